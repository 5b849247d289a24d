package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-canvas/internal/models"

	"github.com/rs/zerolog/log"
)

/*
Canvas saves go through a small worker pool so that a slow database never
stalls a connection's read loop. The queue is bounded; a full queue is
reported to the caller instead of blocking. Shutdown stops intake, lets the
workers drain what is already queued, then returns.
*/

var (
	ErrServiceClosed = errors.New("snapshot service closed")
	ErrQueueFull     = errors.New("snapshot queue full")
)

const storeTimeout = 10 * time.Second

// SnapshotJob is one save-canvas request. Done, when set, is called from
// the worker with the stored snapshot or the error.
type SnapshotJob struct {
	RoomID     string
	Operations []models.Operation
	SavedBy    string
	Done       func(*models.CanvasSnapshot, error)
}

// SnapshotServiceImpl persists canvas snapshots with a worker pool.
type SnapshotServiceImpl struct {
	repo SnapshotRepository
	keep int

	jobs    chan SnapshotJob
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewSnapshotService creates the pool. keep bounds the snapshots retained
// per room; zero keeps everything.
func NewSnapshotService(repo SnapshotRepository, numWorkers, queueSize, keep int) *SnapshotServiceImpl {
	if numWorkers < 1 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &SnapshotServiceImpl{
		repo:    repo,
		keep:    keep,
		jobs:    make(chan SnapshotJob, queueSize),
		workers: numWorkers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start spawns the workers.
func (s *SnapshotServiceImpl) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	log.Info().Int("workers", s.workers).Msg("snapshot worker pool started")
}

func (s *SnapshotServiceImpl) worker(id int) {
	defer s.wg.Done()

	for job := range s.jobs {
		snapshot, err := s.process(job)
		if err != nil {
			log.Error().Err(err).Int("worker", id).Str("room", job.RoomID).Msg("snapshot failed")
		} else {
			log.Debug().Int("worker", id).Str("room", job.RoomID).
				Str("snapshotId", snapshot.ID).Int("operations", snapshot.OperationCount).
				Msg("snapshot stored")
		}
		if job.Done != nil {
			job.Done(snapshot, err)
		}
	}
}

// SubmitJob queues job without blocking.
func (s *SnapshotServiceImpl) SubmitJob(job SnapshotJob) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrServiceClosed
	}
	select {
	case s.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *SnapshotServiceImpl) process(job SnapshotJob) (*models.CanvasSnapshot, error) {
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	snapshot := &models.CanvasSnapshot{
		RoomID:     job.RoomID,
		Operations: job.Operations,
		SavedBy:    job.SavedBy,
	}
	if err := s.repo.Store(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("store snapshot for room %s: %w", job.RoomID, err)
	}

	if s.keep > 0 {
		if err := s.repo.DeleteOld(ctx, job.RoomID, s.keep); err != nil {
			log.Warn().Err(err).Str("room", job.RoomID).Msg("failed to prune old snapshots")
		}
	}
	return snapshot, nil
}

// Latest returns the newest snapshot of roomID, or nil when none exists.
func (s *SnapshotServiceImpl) Latest(ctx context.Context, roomID string) (*models.CanvasSnapshot, error) {
	return s.repo.Latest(ctx, roomID)
}

// LatestOperations returns the operations of the newest snapshot of
// roomID, or nil when none exists.
func (s *SnapshotServiceImpl) LatestOperations(ctx context.Context, roomID string) ([]models.Operation, error) {
	snapshot, err := s.repo.Latest(ctx, roomID)
	if err != nil || snapshot == nil {
		return nil, err
	}
	return snapshot.Operations, nil
}

// Shutdown stops accepting jobs and waits for queued ones to finish.
func (s *SnapshotServiceImpl) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()

	log.Info().Msg("snapshot service shutdown complete")
}

// GetQueueLength returns the number of jobs waiting for a worker.
func (s *SnapshotServiceImpl) GetQueueLength() int {
	return len(s.jobs)
}
