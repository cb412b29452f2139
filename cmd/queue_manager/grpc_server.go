package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/morfien101/speech-q/pkg/comms"
	"github.com/morfien101/speech-q/pkg/queue"
	log "github.com/sirupsen/logrus"
)

type updateSubscription struct {
	updates chan *comms.QueueStatus
}

func newSubscription() updateSubscription {
	return updateSubscription{
		updates: make(chan *comms.QueueStatus, 1),
	}
}

// offer replaces any status the subscriber has not picked up yet, so a slow
// subscriber only ever sees the latest state.
func (u updateSubscription) offer(status *comms.QueueStatus) {
	for {
		select {
		case u.updates <- status:
			return
		default:
		}
		select {
		case <-u.updates:
		default:
		}
	}
}

type QueueServer struct {
	mu          sync.RWMutex
	subscribers map[string]updateSubscription
	status      *comms.QueueStatus
	shutdown    chan bool
}

func newQueueServer(shutdown chan bool, clientID string) *QueueServer {
	return &QueueServer{
		status:      &comms.QueueStatus{ClientID: clientID, State: queue.StateIdle.String()},
		shutdown:    shutdown,
		subscribers: map[string]updateSubscription{},
	}
}

func statusOf(clientID string, c *queue.Client) *comms.QueueStatus {
	snap := c.Snapshot()
	return &comms.QueueStatus{
		ClientID:             clientID,
		State:                snap.State.String(),
		IsFront:              snap.State == queue.StateProcessing,
		Position:             snap.Position,
		ActiveCount:          snap.ActiveCount,
		WaitingCount:         snap.WaitingCount,
		EstimatedWaitSeconds: int64(c.EstimateTimeUntilSlot() / time.Second),
	}
}

// Publish records the latest status and pushes it to every subscriber.
func (s *QueueServer) Publish(status *comms.QueueStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()

	s.updateSubscriptions()
}

func (s *QueueServer) updateSubscriptions() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscribers {
		sub.offer(s.status)
	}
}

func (s *QueueServer) current() *comms.QueueStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *QueueServer) Status(ctx context.Context, req *comms.StatusRequest) (*comms.QueueStatus, error) {
	return s.current(), nil
}

func (s *QueueServer) Watch(req *comms.StatusRequest, stream comms.QueueService_WatchServer) error {
	sub := newSubscription()
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate UUID: %v", err)
	}

	s.mu.Lock()
	s.subscribers[id.String()] = sub
	sub.offer(s.status)
	s.mu.Unlock()
	log.WithFields(log.Fields{"id": id.String()}).Info("New gRPC Subscriber")

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, id.String())
		s.mu.Unlock()
		log.WithFields(log.Fields{"id": id.String()}).Info("gRPC Subscriber disconnected")
	}()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case update := <-sub.updates:
			log.WithField("id", id.String()).Debug("Sending update to subscriber")
			if err := stream.Send(update); err != nil {
				return err
			}
		}
	}
}

func (s *QueueServer) Shutdown(ctx context.Context, req *comms.ShutdownRequest) (*comms.ShutdownResponse, error) {
	select {
	case s.shutdown <- true:
	default:
	}
	return &comms.ShutdownResponse{}, nil
}

// StartServer listens on host:port and serves until stopChan fires. The
// final result of the server is reported on errChan.
func (s *QueueServer) StartServer(host string, port int, stopChan chan bool, errChan chan error) error {
	log.WithFields(log.Fields{"host": host, "port": strconv.Itoa(port)}).Info("Starting gRPC server")
	lis, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("gRPC failure: %v", err)
	}
	s.Serve(lis, stopChan, errChan)
	return nil
}

func (s *QueueServer) Serve(lis net.Listener, stopChan chan bool, errChan chan error) {
	grpcServer := comms.NewServer()
	comms.RegisterQueueServiceServer(grpcServer, s)

	served := make(chan error, 1)
	go func() {
		served <- grpcServer.Serve(lis)
	}()

	go func() {
		select {
		case <-stopChan:
		case err := <-served:
			log.Errorf("gRPC server stopped: %v", err)
			errChan <- fmt.Errorf("gRPC server stopped: %v", err)
			return
		}

		timer := time.NewTimer(30 * time.Second)
		defer timer.Stop()
		serverStopped := make(chan bool)
		go func() {
			grpcServer.GracefulStop()
			close(serverStopped)
		}()

		select {
		case <-serverStopped:
		case <-timer.C:
			log.Error("gRPC server did not stop in time, forcing shutdown!")
			grpcServer.Stop()
		}

		errChan <- nil
	}()
}
