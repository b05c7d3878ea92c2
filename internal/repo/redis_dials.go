package repo

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"agentrelay/internal/domain"
)

// RedisDials keeps dial records in redis so several relay processes share one
// governance configuration. Each dial is a hash; an index set lists them.
type RedisDials struct {
	Client *redis.Client
	Prefix string
}

func NewRedisDials(client *redis.Client, prefix string) *RedisDials {
	if prefix == "" {
		prefix = "relay:"
	}
	return &RedisDials{Client: client, Prefix: prefix}
}

func (r *RedisDials) dialKey(owner, repo string) string {
	return r.Prefix + "dial:" + owner + "/" + repo
}

func (r *RedisDials) indexKey() string {
	return r.Prefix + "dials"
}

func (r *RedisDials) GetDial(ctx context.Context, owner, repo string) (domain.DialRecord, error) {
	vals, err := r.Client.HGetAll(ctx, r.dialKey(owner, repo)).Result()
	if err != nil {
		return domain.DialRecord{}, fmt.Errorf("redis get dial: %w", err)
	}
	if len(vals) == 0 {
		return domain.DialRecord{}, ErrNotFound
	}
	return decodeDial(owner, repo, vals)
}

// PutDial overwrites level and updater; created_at is only written once so
// concurrent writers in other processes cannot reset it.
func (r *RedisDials) PutDial(ctx context.Context, rec domain.DialRecord) error {
	key := r.dialKey(rec.Owner, rec.Repo)
	_, err := r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "created_at", formatTime(rec.CreatedAt))
		pipe.HSet(ctx, key,
			"level", rec.Level,
			"updated_by", rec.UpdatedBy,
			"updated_at", formatTime(rec.UpdatedAt),
		)
		pipe.SAdd(ctx, r.indexKey(), rec.Owner+"/"+rec.Repo)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put dial: %w", err)
	}
	return nil
}

func (r *RedisDials) ListDials(ctx context.Context) ([]domain.DialRecord, error) {
	members, err := r.Client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list dials: %w", err)
	}
	sort.Strings(members)
	res := make([]domain.DialRecord, 0, len(members))
	for _, m := range members {
		owner, repo, ok := strings.Cut(m, "/")
		if !ok {
			continue
		}
		rec, err := r.GetDial(ctx, owner, repo)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, nil
}

func decodeDial(owner, repo string, vals map[string]string) (domain.DialRecord, error) {
	rec := domain.DialRecord{Owner: owner, Repo: repo, UpdatedBy: vals["updated_by"]}
	level, err := strconv.Atoi(vals["level"])
	if err != nil {
		return rec, fmt.Errorf("dial %s/%s level: %w", owner, repo, err)
	}
	rec.Level = level
	if err := parseDialTimes(&rec, vals["created_at"], vals["updated_at"]); err != nil {
		return rec, err
	}
	return rec, nil
}
