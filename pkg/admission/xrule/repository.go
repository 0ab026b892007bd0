package xrule

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Repository 规则持久化（运维侧 CRUD）
type Repository interface {
	List(ctx context.Context) ([]Rule, error)
	Put(ctx context.Context, rule Rule) error
	Delete(ctx context.Context, id string) error
}

// MemoryRepository 进程内规则仓库
type MemoryRepository struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository 创建内存仓库，可带初始规则
func NewMemoryRepository(rules ...Rule) *MemoryRepository {
	m := &MemoryRepository{rules: make(map[string]Rule, len(rules))}
	for _, r := range rules {
		m.rules[r.ID] = r
	}
	return m
}

func (m *MemoryRepository) List(context.Context) ([]Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Rule) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryRepository) Put(_ context.Context, rule Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
	return nil
}

func (m *MemoryRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

// MongoRepository 基于 MongoDB 集合的规则仓库，文档 _id 为规则 ID
type MongoRepository struct {
	coll    *mongo.Collection
	timeout time.Duration
}

var _ Repository = (*MongoRepository)(nil)

// NewMongoRepository 创建 Mongo 仓库，timeout<=0 时使用 5s
func NewMongoRepository(coll *mongo.Collection, timeout time.Duration) (*MongoRepository, error) {
	if coll == nil {
		return nil, errors.New("xrule: mongo collection is nil")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MongoRepository{coll: coll, timeout: timeout}, nil
}

func (m *MongoRepository) List(ctx context.Context) ([]Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cur, err := m.coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("xrule: list rules: %w", err)
	}
	var rules []Rule
	if err := cur.All(ctx, &rules); err != nil {
		return nil, fmt.Errorf("xrule: decode rules: %w", err)
	}
	return rules, nil
}

func (m *MongoRepository) Put(ctx context.Context, rule Rule) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err := m.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: rule.ID}}, rule, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("xrule: put rule %s: %w", rule.ID, err)
	}
	return nil
}

func (m *MongoRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	res, err := m.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("xrule: delete rule %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
