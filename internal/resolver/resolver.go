// Package resolver provides conflict resolution between a locally cached record and the
// record currently held by the remote store.
package resolver

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/cybertec-postgresql/offline_sync/internal/record"
)

// Strategy names the rule that produced a resolved record or field
type Strategy string

const (
	// StrategyLocal keeps the local value
	StrategyLocal Strategy = "local"
	// StrategyServer keeps the server value
	StrategyServer Strategy = "server"
	// StrategyMerge unions array values
	StrategyMerge Strategy = "merge"
)

// ParseStrategy validates a strategy name
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyLocal:
		return StrategyLocal, nil
	case StrategyServer:
		return StrategyServer, nil
	case StrategyMerge:
		return StrategyMerge, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// FieldStrategies maps a JSON field name to the strategy applied to it when the server
// record is at least as new as the local one
type FieldStrategies map[string]Strategy

// Resolution represents the outcome of a conflict resolution
type Resolution struct {
	LocalData    record.Document
	ServerData   record.Document
	ResolvedData record.Document
	Strategy     Strategy
}

// Resolver reconciles local and server records. It holds no state besides its
// configuration and is safe for concurrent use.
type Resolver struct {
	fields FieldStrategies
}

// New creates a resolver with the given per-field strategies
func New(fields FieldStrategies) *Resolver {
	copied := make(FieldStrategies, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &Resolver{fields: copied}
}

// Resolve picks the local record when it is strictly newer, otherwise starts from the
// server record and applies the configured field strategies on top of it
func (r *Resolver) Resolve(local, server record.Document) Resolution {
	res := Resolution{
		LocalData:  local,
		ServerData: server,
	}

	if local.UpdatedAt() > server.UpdatedAt() {
		res.ResolvedData = local.Clone()
		res.Strategy = StrategyLocal
		return res
	}

	resolved := server.Clone()
	if resolved == nil {
		resolved = record.Document{}
	}
	applied := false

	// sorted for a stable evaluation order
	names := make([]string, 0, len(r.fields))
	for name := range r.fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		switch r.fields[name] {
		case StrategyLocal:
			v, ok := local[name]
			if !ok {
				continue
			}
			resolved[name] = v
			applied = true
		case StrategyMerge:
			lv, lok := asSlice(local[name])
			sv, sok := asSlice(server[name])
			if !lok && !sok {
				continue
			}
			resolved[name] = union(lv, sv)
			applied = true
		}
	}

	res.ResolvedData = resolved
	res.Strategy = StrategyServer
	if applied {
		res.Strategy = StrategyMerge
	}
	return res
}

// union returns the set union of both arrays: local elements first, then server elements
// not already present. Elements are compared by their JSON encoding.
func union(local, server []any) []any {
	out := make([]any, 0, len(local)+len(server))
	seen := make(map[string]struct{}, len(local)+len(server))
	for _, list := range [][]any{local, server} {
		for _, v := range list {
			key := canonical(v)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func asSlice(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	list := make([]any, rv.Len())
	for i := range list {
		list[i] = rv.Index(i).Interface()
	}
	return list, true
}

func canonical(v any) string {
	// encoding/json sorts map keys, so equal values encode equally
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return string(raw)
}

// ResolveRecords resolves typed records by passing them through their JSON form
func ResolveRecords[T any](r *Resolver, local, server T) (resolved T, strategy Strategy, err error) {
	ld, err := record.Encode(local)
	if err != nil {
		return resolved, "", err
	}
	sd, err := record.Encode(server)
	if err != nil {
		return resolved, "", err
	}
	res := r.Resolve(ld, sd)
	resolved, err = record.Decode[T](res.ResolvedData)
	return resolved, res.Strategy, err
}
