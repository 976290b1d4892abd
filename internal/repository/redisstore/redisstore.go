// Package redisstore implements the repositories on Redis so several API and
// worker processes can share project state.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/siteforge/engine/internal/models"
	"github.com/siteforge/engine/internal/repository"
	appErr "github.com/siteforge/engine/pkg/errors"
)

const (
	projectKeyPrefix  = "siteforge:project:"  // siteforge:project:{id} -> JSON project
	projectIndexKey   = "siteforge:projects"  // ZSET of project ids scored by creation time
	activityKeyPrefix = "siteforge:activity:" // siteforge:activity:{id} -> list of JSON entries
	activitySeqKey    = "siteforge:activity:seq"
	artifactKeyPrefix = "siteforge:artifact:" // siteforge:artifact:{id} -> JSON artifact

	maxTxRetries = 50
)

// NewStores wires all three repositories over client. Close closes the client.
func NewStores(client *redis.Client) *repository.Stores {
	return &repository.Stores{
		Projects:  NewProjectRepository(client),
		Activity:  NewActivityLogRepository(client),
		Artifacts: NewArtifactRepository(client),
		Close:     client.Close,
	}
}

func projectKey(id uuid.UUID) string  { return projectKeyPrefix + id.String() }
func activityKey(id uuid.UUID) string { return activityKeyPrefix + id.String() }
func artifactKey(id uuid.UUID) string { return artifactKeyPrefix + id.String() }

func wrapInternal(err error, msg string) error {
	return appErr.Wrap(err, appErr.CodeInternal, msg)
}

// ProjectRepository stores projects as JSON values. Update uses WATCH/MULTI so
// writers in other processes are detected, and a local per-id mutex so writers
// in this process queue instead of spinning on retries.
type ProjectRepository struct {
	client *redis.Client
	locks  sync.Map
}

var _ repository.ProjectRepository = (*ProjectRepository)(nil)

func NewProjectRepository(client *redis.Client) *ProjectRepository {
	return &ProjectRepository{client: client}
}

func (r *ProjectRepository) lockFor(id uuid.UUID) *sync.Mutex {
	m, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (r *ProjectRepository) Create(ctx context.Context, p *models.Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	data, err := json.Marshal(p)
	if err != nil {
		return wrapInternal(err, "marshal project failed")
	}

	ok, err := r.client.SetNX(ctx, projectKey(p.ID), data, 0).Result()
	if err != nil {
		return wrapInternal(err, "create project failed")
	}
	if !ok {
		return appErr.New(appErr.CodeAlreadyExists, "project already exists")
	}
	if err := r.client.ZAdd(ctx, projectIndexKey, redis.Z{
		Score:  float64(p.CreatedAt.UnixNano()),
		Member: p.ID.String(),
	}).Err(); err != nil {
		return wrapInternal(err, "index project failed")
	}
	return nil
}

func (r *ProjectRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	data, err := r.client.Get(ctx, projectKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, appErr.NotFound("project")
	}
	if err != nil {
		return nil, wrapInternal(err, "get project failed")
	}
	var p models.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, wrapInternal(err, "unmarshal project failed")
	}
	return &p, nil
}

func (r *ProjectRepository) Update(ctx context.Context, id uuid.UUID, fn repository.Mutation) (*models.Project, error) {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	key := projectKey(id)
	var (
		out    *models.Project
		mutErr error
	)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return appErr.NotFound("project")
		}
		if err != nil {
			return wrapInternal(err, "get project failed")
		}
		var p models.Project
		if err := json.Unmarshal(data, &p); err != nil {
			return wrapInternal(err, "unmarshal project failed")
		}
		createdAt := p.CreatedAt
		if mutErr = fn(&p); mutErr != nil {
			return mutErr
		}
		p.ID = id
		p.CreatedAt = createdAt
		p.UpdatedAt = time.Now().UTC()

		buf, err := json.Marshal(&p)
		if err != nil {
			return wrapInternal(err, "marshal project failed")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, 0)
			return nil
		})
		if err != nil {
			return err
		}
		out = &p
		return nil
	}

	for range maxTxRetries {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			var ae *appErr.AppError
			if mutErr != nil || errors.As(err, &ae) || ctx.Err() != nil {
				return nil, err
			}
			return nil, wrapInternal(err, "update project failed")
		}
		return out, nil
	}
	return nil, appErr.Newf(appErr.CodeConflict, "project %s: too much write contention", id)
}

func (r *ProjectRepository) List(ctx context.Context, filter repository.ProjectFilter) ([]models.Project, error) {
	start, stop := int64(0), int64(-1)
	if filter.Status == "" {
		start = int64(filter.Offset)
		if filter.Limit > 0 {
			stop = start + int64(filter.Limit) - 1
		}
	}
	ids, err := r.client.ZRevRange(ctx, projectIndexKey, start, stop).Result()
	if err != nil {
		return nil, wrapInternal(err, "list project ids failed")
	}
	if len(ids) == 0 {
		return []models.Project{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = projectKeyPrefix + id
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapInternal(err, "load projects failed")
	}

	out := make([]models.Project, 0, len(values))
	skipped := 0
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // deleted between ZREVRANGE and MGET
		}
		var p models.Project
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return nil, wrapInternal(err, "unmarshal project failed")
		}
		if filter.Status != "" {
			if p.Status != filter.Status {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
		}
		out = append(out, p)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *ProjectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, projectKey(id))
		pipe.ZRem(ctx, projectIndexKey, id.String())
		return nil
	})
	if err != nil {
		return wrapInternal(err, "delete project failed")
	}
	if del.Val() == 0 {
		return appErr.NotFound("project")
	}
	r.locks.Delete(id)
	return nil
}

// ActivityLogRepository keeps one Redis list per project.
type ActivityLogRepository struct {
	client *redis.Client
}

var _ repository.ActivityLogRepository = (*ActivityLogRepository)(nil)

func NewActivityLogRepository(client *redis.Client) *ActivityLogRepository {
	return &ActivityLogRepository{client: client}
}

func (r *ActivityLogRepository) Append(ctx context.Context, entry *models.ActivityLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	seq, err := r.client.Incr(ctx, activitySeqKey).Result()
	if err != nil {
		return wrapInternal(err, "allocate activity id failed")
	}
	entry.ID = uint64(seq)

	data, err := json.Marshal(entry)
	if err != nil {
		return wrapInternal(err, "marshal activity failed")
	}
	if err := r.client.RPush(ctx, activityKey(entry.ProjectID), data).Err(); err != nil {
		return wrapInternal(err, "append activity failed")
	}
	return nil
}

func (r *ActivityLogRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.ActivityLogEntry, error) {
	raw, err := r.client.LRange(ctx, activityKey(projectID), 0, -1).Result()
	if err != nil {
		return nil, wrapInternal(err, "list activity failed")
	}
	out := make([]models.ActivityLogEntry, 0, len(raw))
	for _, s := range raw {
		var e models.ActivityLogEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, wrapInternal(err, "unmarshal activity failed")
		}
		out = append(out, e)
	}
	slices.SortStableFunc(out, func(a, b models.ActivityLogEntry) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (r *ActivityLogRepository) DeleteByProject(ctx context.Context, projectID uuid.UUID) error {
	if err := r.client.Del(ctx, activityKey(projectID)).Err(); err != nil {
		return wrapInternal(err, "delete activity failed")
	}
	return nil
}

// ArtifactRepository relies on SETNX for create-once semantics.
type ArtifactRepository struct {
	client *redis.Client
}

var _ repository.ArtifactRepository = (*ArtifactRepository)(nil)

func NewArtifactRepository(client *redis.Client) *ArtifactRepository {
	return &ArtifactRepository{client: client}
}

func (r *ArtifactRepository) CreateIfAbsent(ctx context.Context, a *models.Artifact) (*models.Artifact, bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, false, wrapInternal(err, "marshal artifact failed")
	}
	created, err := r.client.SetNX(ctx, artifactKey(a.ProjectID), data, 0).Result()
	if err != nil {
		return nil, false, wrapInternal(err, "create artifact failed")
	}
	if created {
		return a.Clone(), true, nil
	}
	existing, err := r.GetByProject(ctx, a.ProjectID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *ArtifactRepository) GetByProject(ctx context.Context, projectID uuid.UUID) (*models.Artifact, error) {
	data, err := r.client.Get(ctx, artifactKey(projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, appErr.NotFound("artifact")
	}
	if err != nil {
		return nil, wrapInternal(err, "get artifact failed")
	}
	var a models.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, wrapInternal(err, fmt.Sprintf("unmarshal artifact %s failed", projectID))
	}
	return &a, nil
}

func (r *ArtifactRepository) DeleteByProject(ctx context.Context, projectID uuid.UUID) error {
	if err := r.client.Del(ctx, artifactKey(projectID)).Err(); err != nil {
		return wrapInternal(err, "delete artifact failed")
	}
	return nil
}
