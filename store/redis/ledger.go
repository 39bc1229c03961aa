// Package redis stores the quantity ledger in Redis so several engine
// processes can share one set of pools.
//
// Each entry is a hash at <prefix>entry:<ledger key> with two fields:
// "version" and "data" (the entry as JSON). Writes go through a Lua script
// that compares the version field before replacing both, so the
// compare-and-swap is atomic on the server. A sorted set at <prefix>index
// lists every key for List.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const DefaultPrefix = "kisaan:ledger:"

// openScript creates the entry if it is missing and returns {version, data}.
var openScript = redis.NewScript(`
local key = KEYS[1]
local index = KEYS[2]

if redis.call('EXISTS', key) == 0 then
	redis.call('HSET', key, 'version', 0, 'data', ARGV[1])
	redis.call('ZADD', index, 0, ARGV[2])
end

return redis.call('HMGET', key, 'version', 'data')
`)

// casScript returns {0} on success, {1} if the entry is missing and
// {2, current} if the version did not match.
var casScript = redis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[1])

local current = redis.call('HGET', key, 'version')
if not current then
	return {1}
end

current = tonumber(current)
if current ~= expected then
	return {2, current}
end

redis.call('HSET', key, 'version', ARGV[2], 'data', ARGV[3])
return {0}
`)

// Ledger implements generic.LedgerStore.
type Ledger struct {
	client *redis.Client
	prefix string
}

func NewLedger(client *redis.Client, prefix string) *Ledger {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Ledger{client: client, prefix: prefix}
}

func (l *Ledger) entryKey(key generic.LedgerKey) string { return l.prefix + "entry:" + key.String() }
func (l *Ledger) indexKey() string                       { return l.prefix + "index" }

type holdDoc struct {
	Quantity decimal.Decimal `json:"quantity"`
	At       time.Time       `json:"at"`
}

type entryDoc struct {
	Kind        generic.PoolKind   `json:"kind"`
	Owner       string             `json:"owner"`
	Item        string             `json:"item,omitempty"`
	Total       decimal.Decimal    `json:"total"`
	Committed   decimal.Decimal    `json:"committed"`
	Holds       map[string]holdDoc `json:"holds"`
	Faulted     bool               `json:"faulted,omitempty"`
	FaultDetail string             `json:"fault_detail,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func encode(e generic.LedgerEntry) (string, error) {
	doc := entryDoc{
		Kind:        e.Key.Kind,
		Owner:       e.Key.Owner,
		Item:        e.Key.Item,
		Total:       e.Total,
		Committed:   e.Committed,
		Holds:       make(map[string]holdDoc, len(e.Holds)),
		Faulted:     e.Faulted,
		FaultDetail: e.FaultDetail,
		UpdatedAt:   e.UpdatedAt.UTC(),
	}
	for ref, h := range e.Holds {
		doc.Holds[string(ref)] = holdDoc{Quantity: h.Quantity, At: h.At.UTC()}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode ledger entry %s: %w", e.Key, err)
	}
	return string(b), nil
}

func decode(version int64, data string) (generic.LedgerEntry, error) {
	var doc entryDoc
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return generic.LedgerEntry{}, fmt.Errorf("failed to decode ledger entry: %w", err)
	}
	e := generic.LedgerEntry{
		Key:         generic.LedgerKey{Kind: doc.Kind, Owner: doc.Owner, Item: doc.Item},
		Total:       doc.Total,
		Committed:   doc.Committed,
		Holds:       make(map[generic.HoldRef]generic.Hold, len(doc.Holds)),
		Version:     version,
		Faulted:     doc.Faulted,
		FaultDetail: doc.FaultDetail,
		UpdatedAt:   doc.UpdatedAt,
	}
	for ref, h := range doc.Holds {
		e.Holds[generic.HoldRef(ref)] = generic.Hold{Quantity: h.Quantity, At: h.At}
	}
	return e, nil
}

// fromFields decodes an HMGET reply of version and data. ok is false when
// the hash does not exist.
func fromFields(vals []any) (e generic.LedgerEntry, ok bool, err error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return generic.LedgerEntry{}, false, nil
	}
	var version int64
	switch v := vals[0].(type) {
	case string:
		if _, err := fmt.Sscan(v, &version); err != nil {
			return generic.LedgerEntry{}, false, fmt.Errorf("bad ledger version %q: %w", v, err)
		}
	case int64:
		version = v
	default:
		return generic.LedgerEntry{}, false, fmt.Errorf("unexpected ledger version type %T", vals[0])
	}
	data, isString := vals[1].(string)
	if !isString {
		return generic.LedgerEntry{}, false, fmt.Errorf("unexpected ledger data type %T", vals[1])
	}
	e, err = decode(version, data)
	return e, err == nil, err
}

func (l *Ledger) Open(ctx context.Context, key generic.LedgerKey, total decimal.Decimal) (generic.LedgerEntry, error) {
	data, err := encode(generic.NewLedgerEntry(key, total, time.Now().UTC()))
	if err != nil {
		return generic.LedgerEntry{}, err
	}
	vals, err := openScript.Run(ctx, l.client, []string{l.entryKey(key), l.indexKey()}, data, key.String()).Slice()
	if err != nil {
		return generic.LedgerEntry{}, fmt.Errorf("failed to open ledger entry %s: %w", key, err)
	}
	e, ok, err := fromFields(vals)
	if err != nil {
		return generic.LedgerEntry{}, fmt.Errorf("ledger entry %s: %w", key, err)
	}
	if !ok {
		return generic.LedgerEntry{}, fmt.Errorf("ledger entry %s vanished after open", key)
	}
	return e, nil
}

func (l *Ledger) Get(ctx context.Context, key generic.LedgerKey) (generic.LedgerEntry, error) {
	vals, err := l.client.HMGet(ctx, l.entryKey(key), "version", "data").Result()
	if err != nil {
		return generic.LedgerEntry{}, fmt.Errorf("failed to get ledger entry %s: %w", key, err)
	}
	e, ok, err := fromFields(vals)
	if err != nil {
		return generic.LedgerEntry{}, fmt.Errorf("ledger entry %s: %w", key, err)
	}
	if !ok {
		return generic.LedgerEntry{}, &generic.NotFoundError{Kind: "ledger entry", ID: key.String()}
	}
	return e, nil
}

func (l *Ledger) CompareAndSwap(ctx context.Context, expectedVersion int64, next generic.LedgerEntry) error {
	if next.Version != expectedVersion+1 {
		return fmt.Errorf("ledger write for %s must advance version %d by one, got %d", next.Key, expectedVersion, next.Version)
	}
	data, err := encode(next)
	if err != nil {
		return err
	}
	res, err := casScript.Run(ctx, l.client, []string{l.entryKey(next.Key)}, expectedVersion, next.Version, data).Int64Slice()
	if err != nil {
		return fmt.Errorf("failed to update ledger entry %s: %w", next.Key, err)
	}
	switch {
	case len(res) == 0:
		return fmt.Errorf("empty reply updating ledger entry %s", next.Key)
	case res[0] == 0:
		return nil
	case res[0] == 1:
		return &generic.NotFoundError{Kind: "ledger entry", ID: next.Key.String()}
	case res[0] == 2 && len(res) == 2:
		return fmt.Errorf("%w: %s at version %d, expected %d", generic.ErrConflict, next.Key, res[1], expectedVersion)
	default:
		return fmt.Errorf("unexpected reply %v updating ledger entry %s", res, next.Key)
	}
}

// List returns every indexed entry ordered by key. Members of the index
// share one score, so ZRANGE returns them in lexical order.
func (l *Ledger) List(ctx context.Context) ([]generic.LedgerEntry, error) {
	keys, err := l.client.ZRange(ctx, l.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := l.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, l.prefix+"entry:"+k, "version", "data")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read ledger entries: %w", err)
	}

	out := make([]generic.LedgerEntry, 0, len(keys))
	for i, cmd := range cmds {
		e, ok, err := fromFields(cmd.Val())
		if err != nil {
			return nil, fmt.Errorf("ledger entry %s: %w", keys[i], err)
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Reset removes every entry under the prefix.
func (l *Ledger) Reset(ctx context.Context) error {
	keys, err := l.client.ZRange(ctx, l.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list ledger keys: %w", err)
	}
	del := []string{l.indexKey()}
	for _, k := range keys {
		del = append(del, l.prefix+"entry:"+k)
	}
	return l.client.Del(ctx, del...).Err()
}
