package xevent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	seqDocID     = "seq"
	horizonDocID = "horizon"
)

// MongoLog 基于 MongoDB 的事件日志。
// events 集合在 hash 上建唯一索引；meta 集合保存序号计数器与审计窗口下界。
// 每个节点使用独立的数据库或集合，且只由本节点进程写入。
//
// 取序号与插入之间持有 appendMu，序号按提交顺序可见：
// Since(cursor) 返回 seq N+1 时 seq N 已经提交或永久空号。
type MongoLog struct {
	events  *mongo.Collection
	meta    *mongo.Collection
	timeout time.Duration
	horizon atomic.Int64
	closed  atomic.Bool

	appendMu  sync.Mutex
	committed atomic.Uint64
}

var _ Log = (*MongoLog)(nil)

type metaDoc struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

// NewMongoLog 创建日志并确保索引存在；timeout<=0 时使用 5s
func NewMongoLog(ctx context.Context, events, meta *mongo.Collection, timeout time.Duration) (*MongoLog, error) {
	if events == nil || meta == nil {
		return nil, errors.New("xevent: mongo collection is nil")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	l := &MongoLog{events: events, meta: meta, timeout: timeout}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "hash", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "ts", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("xevent: create indexes: %w", err)
	}

	var h metaDoc
	err = meta.FindOne(ctx, bson.D{{Key: "_id", Value: horizonDocID}}).Decode(&h)
	switch {
	case err == nil:
		l.horizon.Store(h.Value)
	case !errors.Is(err, mongo.ErrNoDocuments):
		return nil, fmt.Errorf("xevent: load horizon: %w", err)
	}
	var s metaDoc
	err = meta.FindOne(ctx, bson.D{{Key: "_id", Value: seqDocID}}).Decode(&s)
	switch {
	case err == nil:
		l.committed.Store(uint64(s.Value))
	case !errors.Is(err, mongo.ErrNoDocuments):
		return nil, fmt.Errorf("xevent: load seq: %w", err)
	}
	return l, nil
}

func (l *MongoLog) Append(ctx context.Context, ev Event) (bool, error) {
	if l.closed.Load() {
		return false, ErrClosed
	}
	if err := ev.Validate(); err != nil {
		return false, err
	}
	if ev.Timestamp < l.horizon.Load() {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	seq, err := l.nextSeq(ctx)
	if err != nil {
		return false, err
	}
	// 无论插入成败该序号都已消耗，之后不会再出现更小的序号
	defer l.committed.Store(seq)
	ev.Seq = seq
	if _, err := l.events.InsertOne(ctx, ev); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("xevent: insert event: %w", err)
	}
	return true, nil
}

// nextSeq 序号单调递增；重复事件会留下空号，不影响增量拉取
func (l *MongoLog) nextSeq(ctx context.Context) (uint64, error) {
	var doc metaDoc
	err := l.meta.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: seqDocID}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("xevent: next seq: %w", err)
	}
	return uint64(doc.Value), nil
}

func (l *MongoLog) Since(ctx context.Context, seq uint64, limit int) ([]Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return l.find(ctx, bson.D{{Key: "seq", Value: bson.D{{Key: "$gt", Value: int64(seq)}}}}, opts)
}

func (l *MongoLog) ByUser(ctx context.Context, userID string) ([]Event, error) {
	return l.find(ctx, bson.D{{Key: "user_id", Value: userID}}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
}

func (l *MongoLog) find(ctx context.Context, filter bson.D, opts *options.FindOptionsBuilder) ([]Event, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	cur, err := l.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("xevent: find events: %w", err)
	}
	var out []Event
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("xevent: decode events: %w", err)
	}
	return out, nil
}

func (l *MongoLog) Prune(ctx context.Context, before time.Time) (int, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	cut := before.UnixNano()
	// 先抬高下界再删除，删除过程中到达的旧事件不会漏网
	_, err := l.meta.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: horizonDocID}},
		bson.D{{Key: "$max", Value: bson.D{{Key: "value", Value: cut}}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return 0, fmt.Errorf("xevent: store horizon: %w", err)
	}
	for {
		old := l.horizon.Load()
		if cut <= old || l.horizon.CompareAndSwap(old, cut) {
			break
		}
	}

	res, err := l.events.DeleteMany(ctx, bson.D{{Key: "ts", Value: bson.D{{Key: "$lt", Value: cut}}}})
	if err != nil {
		return 0, fmt.Errorf("xevent: prune events: %w", err)
	}
	return int(res.DeletedCount), nil
}

// LastSeq 已提交的最大序号，不含正在插入的事件
func (l *MongoLog) LastSeq(context.Context) (uint64, error) {
	return l.committed.Load(), nil
}

// Close 标记关闭；集合所属的客户端由调用方管理
func (l *MongoLog) Close() error {
	l.closed.Store(true)
	return nil
}
