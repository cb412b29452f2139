package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/morfien101/speech-q/pkg/comms"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	version = "development"
)

func helpMessage() {
	fmt.Println("Action flags: You can specify only one of the action flags per run.")
	fmt.Println("             They are executed in the order of status, try-once, wait-for-turn, shutdown.")
}

func printVersion() {
	fmt.Println(version)
}

func main() {
	host := flag.String("host", "localhost", "The host to connect to gRPC on.")
	port := flag.Int("port", 50051, "The port to connect on.")
	logLevel := flag.String("log-level", "info", "The log level to use. Options are: trace, debug, info, warn, error, fatal, panic")
	status := flag.Bool("status", false, "Action: Print the current queue status of the manager.")
	waitForQueue := flag.Bool("wait-for-turn", false, "Action: Wait till the manager holds the speech slot.")
	shutdown := flag.Bool("shutdown", false, "Action: Send a shutdown signal to the queue manager.")
	tryOnce := flag.Bool("try-once", false, "Action: Only try once to see if the manager holds the speech slot.")
	showVersion := flag.Bool("v", false, "Shows the version.")
	help := flag.Bool("h", false, "Shows the help message.")
	flag.Parse()

	if *help {
		flag.PrintDefaults()
		helpMessage()
		os.Exit(0)
	}

	// Set the log level
	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(level)

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if !*status && !*waitForQueue && !*shutdown && !*tryOnce {
		log.Error("You must specify one of the following action flags: status, wait-for-turn, shutdown, try-once")
		os.Exit(1)
	}

	gRPCHost := *host + ":" + strconv.Itoa(*port)
	dialOpts := append(comms.DialOptions(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpc.Dial(gRPCHost, dialOpts...)
	if err != nil {
		log.WithFields(log.Fields{"host": *host, "port": strconv.Itoa(*port)}).Fatalf("Could not connect to server: %v", err)
	}
	defer conn.Close()

	client := comms.NewQueueServiceClient(conn)

	if *status {
		current := queueStatus(client)
		fmt.Println(describe(current))
		os.Exit(0)
	}

	if *tryOnce {
		exitCode := 1
		if queueStatus(client).IsFront {
			log.Info("At the front of the queue!")
			exitCode = 0
		} else {
			log.Info("Waiting in line...")
		}
		os.Exit(exitCode)
	}

	if *waitForQueue {
		log.Info("Waiting in line...")
		if ok, err := watchQueueStatus(client); ok {
			os.Exit(0)
		} else {
			log.Fatalf("Could not check queue status: %v", err)
		}
	}

	if *shutdown {
		log.Info("Sending shutdown signal...")
		sendShutdown(client)
	}
}

func describe(s *comms.QueueStatus) string {
	switch s.State {
	case "processing":
		return fmt.Sprintf("%s: speaking (%d active)", s.ClientID, s.ActiveCount)
	case "waiting":
		return fmt.Sprintf("%s: waiting at position %d, about %ds (%d active, %d waiting)",
			s.ClientID, s.Position, s.EstimatedWaitSeconds, s.ActiveCount, s.WaitingCount)
	default:
		return fmt.Sprintf("%s: not queued (%d active, %d waiting)", s.ClientID, s.ActiveCount, s.WaitingCount)
	}
}

func queueStatus(client *comms.QueueServiceClient) *comms.QueueStatus {
	resp, err := client.Status(context.Background(), &comms.StatusRequest{})
	if err != nil {
		log.Fatalf("Could not check queue status: %v", err)
	}
	return resp
}

func watchQueueStatus(client *comms.QueueServiceClient) (bool, error) {
	stream, err := client.Watch(context.Background(), &comms.StatusRequest{})
	if err != nil {
		return false, fmt.Errorf("could not subscribe to queue status: %v", err)
	}
	for {
		log.Debug("Waiting for response from stream...")
		status, err := stream.Recv()
		if err == io.EOF {
			// Stream closed
			break
		}
		if err != nil {
			return false, fmt.Errorf("error receiving from stream: %v", err)
		}
		if status.IsFront {
			log.Info("At front of queue!")
			return true, nil
		}
		log.WithFields(log.Fields{
			"position":      status.Position,
			"estimatedWait": status.EstimatedWaitSeconds,
		}).Debug("Still waiting")
	}
	// Stream closed
	return false, fmt.Errorf("stream closed before status received")
}

func sendShutdown(client *comms.QueueServiceClient) {
	_, err := client.Shutdown(context.Background(), &comms.ShutdownRequest{})
	if err != nil {
		log.Fatalf("Could not send shutdown: %v", err)
	}
}
