package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/cuemby/warren/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRepos   = []byte("repos")
	bucketWorkers = []byte("workers")
	bucketTasks   = []byte("tasks")
	bucketEvents  = []byte("events")

	// idxWorkerToken maps tokenHash -> workerID, so Authenticate never
	// scans the workers bucket.
	idxWorkerToken = []byte("idx_worker_token")

	// idxRepoStatus maps "repo\x00status\x00taskID" -> taskID, so
	// count_open_prs and locked_areas scan only the matching
	// repo/status prefix instead of every task ever created.
	idxRepoStatus = []byte("idx_repo_status")

	// idxStatusPriority maps
	// "status\x00" + 4-byte big-endian inverted priority + 4-byte
	// big-endian estimate + taskID -> taskID, so
	// list_ready_tasks and the held-task scans used by the matcher
	// return rows in priority order directly from the index instead of
	// loading and sorting every task.
	idxStatusPriority = []byte("idx_status_priority")

	// heldStatuses is every status a task keeps its assignee through,
	// used by ListTasksForWorker/work_for (db.py:255).
	heldStatuses = []types.TaskStatus{
		types.TaskLeased, types.TaskInProgress, types.TaskBlocked, types.TaskPROpened,
	}

	// activeStatuses is the narrower set that still consumes a worker's
	// capacity, locks its area, and can have its lease expire and be
	// requeued (db.py:391-393, db.py:360-361, db.py:315-317). A
	// blocked or pr_opened task no longer occupies either.
	activeStatuses = []types.TaskStatus{
		types.TaskLeased, types.TaskInProgress,
	}
)

// BoltStore is the sole Store implementation, backed by a single bbolt
// file. Every operation is one bbolt transaction: ctx is checked before
// the transaction starts and never again, since bbolt transactions
// cannot be cancelled mid-flight.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the dispatch core's
// database file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "dispatch.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketRepos, bucketWorkers, bucketTasks, bucketEvents,
			idxWorkerToken, idxRepoStatus, idxStatusPriority,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// --- Repos ---

func (s *BoltStore) UpsertRepo(ctx context.Context, repo *types.Repo) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(repo)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRepos).Put([]byte(repo.Repo), data)
	})
}

func (s *BoltStore) GetRepo(ctx context.Context, name string) (*types.Repo, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var repo types.Repo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRepos).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &repo)
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s *BoltStore) ListRepos(ctx context.Context) ([]*types.Repo, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var repos []*types.Repo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepos).ForEach(func(_, v []byte) error {
			var repo types.Repo
			if err := json.Unmarshal(v, &repo); err != nil {
				return err
			}
			repos = append(repos, &repo)
			return nil
		})
	})
	return repos, err
}

func (s *BoltStore) CountRepos(ctx context.Context) (int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketRepos).Stats().KeyN
		return nil
	})
	return count, err
}

// --- Workers ---

func (s *BoltStore) InsertWorker(ctx context.Context, worker *types.Worker) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketWorkers).Put([]byte(worker.WorkerID), data); err != nil {
			return err
		}
		return tx.Bucket(idxWorkerToken).Put([]byte(worker.TokenHash), []byte(worker.WorkerID))
	})
}

func (s *BoltStore) WorkerByTokenHash(ctx context.Context, tokenHash string) (*types.Worker, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var worker types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		workerID := tx.Bucket(idxWorkerToken).Get([]byte(tokenHash))
		if workerID == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketWorkers).Get(workerID)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

func (s *BoltStore) WorkerByID(ctx context.Context, workerID string) (*types.Worker, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var worker types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(workerID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

func (s *BoltStore) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(_, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) UpdateWorkerHeartbeat(ctx context.Context, workerID string, status types.WorkerStatus, at time.Time) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(workerID))
		if data == nil {
			return ErrNotFound
		}
		var worker types.Worker
		if err := json.Unmarshal(data, &worker); err != nil {
			return err
		}
		worker.Status = status
		worker.LastHeartbeat = &at
		updated, err := json.Marshal(&worker)
		if err != nil {
			return err
		}
		return b.Put([]byte(workerID), updated)
	})
}

func (s *BoltStore) CountWorkersByStatus(ctx context.Context) (map[types.WorkerStatus]int, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	counts := make(map[types.WorkerStatus]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(_, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			counts[worker.Status]++
			return nil
		})
	})
	return counts, err
}

func (s *BoltStore) CountWorkersOnline(ctx context.Context, since time.Time) (int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(_, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			if worker.LastHeartbeat != nil && !worker.LastHeartbeat.Before(since) {
				count++
			}
			return nil
		})
	})
	return count, err
}

// --- Tasks ---

func invertPriority(priority int) uint32 {
	return math.MaxUint32 - uint32(priority)
}

func repoStatusKey(repo string, status types.TaskStatus, taskID string) []byte {
	return []byte(repo + "\x00" + string(status) + "\x00" + taskID)
}

func statusPriorityKey(status types.TaskStatus, priority, estimate int, taskID string) []byte {
	buf := make([]byte, 0, len(status)+9+len(taskID))
	buf = append(buf, []byte(status)...)
	buf = append(buf, 0)
	var numeric [8]byte
	binary.BigEndian.PutUint32(numeric[0:4], invertPriority(priority))
	binary.BigEndian.PutUint32(numeric[4:8], uint32(estimate))
	buf = append(buf, numeric[:]...)
	buf = append(buf, []byte(taskID)...)
	return buf
}

func putTaskIndexes(tx *bolt.Tx, task *types.Task) error {
	if err := tx.Bucket(idxRepoStatus).Put(repoStatusKey(task.Repo, task.Status, task.TaskID), []byte(task.TaskID)); err != nil {
		return err
	}
	return tx.Bucket(idxStatusPriority).Put(statusPriorityKey(task.Status, task.Priority, task.EstimatePoints, task.TaskID), []byte(task.TaskID))
}

func delTaskIndexes(tx *bolt.Tx, task *types.Task) error {
	if err := tx.Bucket(idxRepoStatus).Delete(repoStatusKey(task.Repo, task.Status, task.TaskID)); err != nil {
		return err
	}
	return tx.Bucket(idxStatusPriority).Delete(statusPriorityKey(task.Status, task.Priority, task.EstimatePoints, task.TaskID))
}

func getTask(tx *bolt.Tx, taskID string) (*types.Task, error) {
	data := tx.Bucket(bucketTasks).Get([]byte(taskID))
	if data == nil {
		return nil, ErrNotFound
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func putTask(tx *bolt.Tx, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTasks).Put([]byte(task.TaskID), data)
}

func (s *BoltStore) InsertTask(ctx context.Context, task *types.Task) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putTask(tx, task); err != nil {
			return err
		}
		return putTaskIndexes(tx, task)
	})
}

func (s *BoltStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		t, err := getTask(tx, taskID)
		task = t
		return err
	})
	return task, err
}

func scanStatusPriority(tx *bolt.Tx, status types.TaskStatus) ([]*types.Task, error) {
	var tasks []*types.Task
	prefix := append([]byte(status), 0)
	c := tx.Bucket(idxStatusPriority).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		task, err := getTask(tx, string(v))
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *BoltStore) ListReadyTasks(ctx context.Context) ([]*types.Task, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		t, err := scanStatusPriority(tx, types.TaskReady)
		tasks = t
		return err
	})
	return tasks, err
}

func (s *BoltStore) ListHeldTasks(ctx context.Context) ([]*types.Task, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, status := range heldStatuses {
			t, err := scanStatusPriority(tx, status)
			if err != nil {
				return err
			}
			tasks = append(tasks, t...)
		}
		return nil
	})
	return tasks, err
}

// ListActiveTasks returns tasks in the narrower {leased, in_progress}
// set: the ones that still consume a worker's capacity, hold an area
// lock, and are subject to lease expiry (db.py:391-393, db.py:360-361,
// db.py:315-317).
func (s *BoltStore) ListActiveTasks(ctx context.Context) ([]*types.Task, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, status := range activeStatuses {
			t, err := scanStatusPriority(tx, status)
			if err != nil {
				return err
			}
			tasks = append(tasks, t...)
		}
		return nil
	})
	return tasks, err
}

func (s *BoltStore) ListTasksForWorker(ctx context.Context, workerID string) ([]*types.Task, error) {
	held, err := s.ListHeldTasks(ctx)
	if err != nil {
		return nil, err
	}
	var tasks []*types.Task
	for _, task := range held {
		if task.AssignedWorkerID == workerID {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (s *BoltStore) LeaseTask(ctx context.Context, taskID, workerID string, leasedAt, expiresAt time.Time) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		task, err := getTask(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskReady {
			return fmt.Errorf("task %s is %s, not ready: %w", taskID, task.Status, ErrConflict)
		}
		if err := delTaskIndexes(tx, task); err != nil {
			return err
		}
		task.Status = types.TaskLeased
		task.AssignedWorkerID = workerID
		task.LeasedAt = &leasedAt
		task.LeaseExpiresAt = &expiresAt
		task.UpdatedAt = leasedAt
		if err := putTask(tx, task); err != nil {
			return err
		}
		return putTaskIndexes(tx, task)
	})
}

func (s *BoltStore) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus, message string, artifact *types.Artifact) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		task, err := getTask(tx, taskID)
		if err != nil {
			return err
		}
		if err := delTaskIndexes(tx, task); err != nil {
			return err
		}
		task.Status = status
		task.Message = message
		if artifact != nil {
			task.Artifact = artifact
		}
		task.UpdatedAt = time.Now().UTC()
		if !task.Held() {
			task.AssignedWorkerID = ""
			task.LeasedAt = nil
			task.LeaseExpiresAt = nil
		}
		if err := putTask(tx, task); err != nil {
			return err
		}
		return putTaskIndexes(tx, task)
	})
}

func (s *BoltStore) RequeueTask(ctx context.Context, taskID string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		task, err := getTask(tx, taskID)
		if err != nil {
			return err
		}
		if err := delTaskIndexes(tx, task); err != nil {
			return err
		}
		task.Status = types.TaskReady
		task.AssignedWorkerID = ""
		task.LeasedAt = nil
		task.LeaseExpiresAt = nil
		task.Attempt++
		task.UpdatedAt = time.Now().UTC()
		if err := putTask(tx, task); err != nil {
			return err
		}
		return putTaskIndexes(tx, task)
	})
}

func (s *BoltStore) CountsByStatus(ctx context.Context) (map[types.TaskStatus]int, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	counts := make(map[types.TaskStatus]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			counts[task.Status]++
			return nil
		})
	})
	return counts, err
}

// --- Matcher support ---

func (s *BoltStore) WorkerLoad(ctx context.Context, workerID string) (int, int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, 0, err
	}
	points, count := 0, 0
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, status := range activeStatuses {
			tasks, err := scanStatusPriority(tx, status)
			if err != nil {
				return err
			}
			for _, task := range tasks {
				if task.AssignedWorkerID == workerID {
					points += task.EstimatePoints
					count++
				}
			}
		}
		return nil
	})
	return points, count, err
}

func (s *BoltStore) LockedAreas(ctx context.Context, repo string) (map[string]bool, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	areas := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxRepoStatus).Cursor()
		for _, status := range activeStatuses {
			prefix := repoStatusKey(repo, status, "")
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				task, err := getTask(tx, string(v))
				if err != nil {
					return err
				}
				if task.Area != "" {
					areas[task.Area] = true
				}
			}
		}
		return nil
	})
	return areas, err
}

func (s *BoltStore) CountOpenPRs(ctx context.Context, repo string) (int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := repoStatusKey(repo, types.TaskPROpened, "")
		c := tx.Bucket(idxRepoStatus).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// --- Events ---

func (s *BoltStore) LogEvent(ctx context.Context, event *types.Event) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		event.ID = id
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put(encodeEventKey(id), data)
	})
}

func (s *BoltStore) ListEvents(ctx context.Context, sinceID uint64, limit int) ([]*types.Event, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(encodeEventKey(sineIDOrZero(sinceID))); k != nil; k, v = c.Next() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if event.ID <= sinceID {
				continue
			}
			events = append(events, &event)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		return nil
	})
	return events, err
}

func sineIDOrZero(sinceID uint64) uint64 {
	if sinceID == math.MaxUint64 {
		return sinceID
	}
	return sinceID + 1
}

func encodeEventKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}
