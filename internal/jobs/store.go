package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	taskKeyPrefix       = "task:"
	ownerIndexKeyPrefix = "tasks:owner:"
	stateIndexKeyPrefix = "tasks:state:"

	maxUpdateRetries = 50
	mgetBatchSize    = 200
)

// Store はタスクの永続化層です。Update は読み取りから書き込みまでを不可分に行います。
type Store interface {
	Insert(ctx context.Context, t *Task) error
	// Get は存在しないタスクに対して ErrNotFound を返します。
	Get(ctx context.Context, id string) (*Task, error)
	// Update は現在の値を mutate に渡し、nil が返れば保存します。
	// mutate のエラーはそのまま返し、何も書き込みません。
	Update(ctx context.Context, id string, mutate func(t *Task) error) (*Task, error)
	List(ctx context.Context, filter Filter) ([]*Task, error)
	Delete(ctx context.Context, id string) error
	// DeleteTerminalBefore は before より前に更新された終端タスクを削除し、件数を返します。
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int, error)
}

// RedisStore はタスクを JSON として Redis に保存します。
// 終端状態になったタスクには保持期間の TTL を付け、期限切れは Redis に任せます。
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{
		rdb:       rdb,
		retention: retention,
	}
}

func (s *RedisStore) Insert(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task id is required")
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	key := taskKey(t.ID)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("insert task %s: %w", t.ID, ErrConflict)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttlFor(t))
			pipe.ZAdd(ctx, ownerIndexKey(t.Owner), redis.Z{Score: score(t.CreatedAt), Member: t.ID})
			if !t.State.Terminal() {
				pipe.ZAdd(ctx, stateIndexKey(t.State), redis.Z{Score: score(t.UpdatedAt), Member: t.ID})
			}
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeTask(data)
}

func (s *RedisStore) Update(ctx context.Context, id string, mutate func(t *Task) error) (*Task, error) {
	key := taskKey(id)
	for i := 0; i < maxUpdateRetries; i++ {
		var updated *Task
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return err
			}
			task, err := decodeTask(data)
			if err != nil {
				return err
			}
			prevState := task.State
			if err := mutate(task); err != nil {
				return err
			}
			payload, err := json.Marshal(task)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttlFor(task))
				if prevState != task.State && !prevState.Terminal() {
					pipe.ZRem(ctx, stateIndexKey(prevState), task.ID)
				}
				if !task.State.Terminal() {
					pipe.ZAdd(ctx, stateIndexKey(task.State), redis.Z{Score: score(task.UpdatedAt), Member: task.ID})
				}
				return nil
			})
			if err != nil {
				return err
			}
			updated = task
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			// 他のプロセスが先に書き込んだので読み直す
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update task %s: too much contention", id)
}

func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	var (
		ids      []string
		indexKey string
		err      error
	)
	switch {
	case filter.Owner != "":
		indexKey = ownerIndexKey(filter.Owner)
		ids, err = s.rdb.ZRevRange(ctx, indexKey, 0, -1).Result()
	case filter.State != "" && !filter.State.Terminal():
		indexKey = stateIndexKey(filter.State)
		max := "+inf"
		if !filter.UpdatedBefore.IsZero() {
			max = "(" + strconv.FormatInt(filter.UpdatedBefore.UnixMilli(), 10)
		}
		ids, err = s.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	default:
		return nil, errors.New("redis task store can only list by owner or by non-terminal state")
	}
	if err != nil {
		return nil, err
	}

	tasks := make([]*Task, 0, len(ids))
	var missing []any
	for start := 0; start < len(ids); start += mgetBatchSize {
		end := min(start+mgetBatchSize, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, taskKey(id))
		}
		values, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				// TTL で消えたタスクの索引は後始末する
				missing = append(missing, ids[start+i])
				continue
			}
			task, err := decodeTask([]byte(raw))
			if err != nil {
				return nil, err
			}
			if !filter.matches(task) {
				continue
			}
			tasks = append(tasks, task)
			if filter.Limit > 0 && len(tasks) >= filter.Limit {
				break
			}
		}
		if filter.Limit > 0 && len(tasks) >= filter.Limit {
			break
		}
	}
	if len(missing) > 0 {
		_ = s.rdb.ZRem(ctx, indexKey, missing...).Err()
	}
	return tasks, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, taskKey(id))
		pipe.ZRem(ctx, ownerIndexKey(task.Owner), id)
		pipe.ZRem(ctx, stateIndexKey(StatePending), id)
		pipe.ZRem(ctx, stateIndexKey(StateProcessing), id)
		return nil
	})
	return err
}

// DeleteTerminalBefore は何もしません。終端タスクは TTL で消えます。
func (s *RedisStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) ttlFor(t *Task) time.Duration {
	if t.State.Terminal() {
		return s.retention
	}
	return 0
}

func decodeTask(data []byte) (*Task, error) {
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}

func ownerIndexKey(owner string) string {
	return ownerIndexKeyPrefix + owner
}

func stateIndexKey(state State) string {
	return stateIndexKeyPrefix + string(state)
}
