// Package scope rewrites data-access operations so they are always bound to
// the acting principal's tenant. Stores never execute an operation that has
// not passed through Scope.Apply; caller-supplied tenant ids are overwritten,
// never trusted.
package scope

import (
	"errors"
	"fmt"
)

// TenantKey is the filter/record key carrying the tenant binding.
const TenantKey = "tenant_id"

type EntityKind int

const (
	EntityClient EntityKind = iota
	EntityProject
	EntityTask
	EntityInvoice
	EntityMember
	EntityDocument
)

func (e EntityKind) String() string {
	switch e {
	case EntityClient:
		return "client"
	case EntityProject:
		return "project"
	case EntityTask:
		return "task"
	case EntityInvoice:
		return "invoice"
	case EntityMember:
		return "member"
	case EntityDocument:
		return "document"
	default:
		return "unknown"
	}
}

// valid is the exhaustiveness guard for the closed entity enumeration.
// Tenant records and audit metadata are deliberately not listed: they are
// the only stores that operate outside a tenant scope.
func (e EntityKind) valid() bool {
	switch e {
	case EntityClient, EntityProject, EntityTask, EntityInvoice, EntityMember, EntityDocument:
		return true
	default:
		return false
	}
}

type OpKind int

const (
	OpReadOne OpKind = iota
	OpReadMany
	OpWrite
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpReadOne:
		return "read-one"
	case OpReadMany:
		return "read-many"
	case OpWrite:
		return "write"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Operation describes one intended data access. Filter holds selection
// criteria, Record holds the payload for writes and updates. An Operation is
// constructed per call and consumed once.
type Operation struct {
	Kind   OpKind
	Entity EntityKind
	Filter map[string]any
	Record map[string]any
}

// TenantID returns the tenant binding of an applied operation, or "" if the
// operation has not been through Apply.
func (o Operation) TenantID() string {
	if s, ok := o.Filter[TenantKey].(string); ok && s != "" {
		return s
	}
	if s, ok := o.Record[TenantKey].(string); ok && s != "" {
		return s
	}
	return ""
}

var errEmptyTenant = errors.New("scope: empty tenant id")

// Scope is the per-request tenant binding. It is an immutable value built
// from the principal at request entry and threaded explicitly through every
// store call; it must never live on a shared connection object.
type Scope struct {
	tenantID string
}

func For(tenantID string) (Scope, error) {
	if tenantID == "" {
		return Scope{}, errEmptyTenant
	}
	return Scope{tenantID: tenantID}, nil
}

func (s Scope) TenantID() string { return s.tenantID }

func (s Scope) IsZero() bool { return s.tenantID == "" }

// Apply returns a copy of op unconditionally bound to the scope's tenant.
// Reads and deletes get the tenant forced into the filter; writes get it
// forced into the record; updates force both, so a row can neither be
// selected from nor moved into another tenant.
func (s Scope) Apply(op Operation) (Operation, error) {
	if s.tenantID == "" {
		return Operation{}, errEmptyTenant
	}
	if !op.Entity.valid() {
		return Operation{}, fmt.Errorf("scope: entity kind %d is not tenant-scoped", int(op.Entity))
	}

	out := Operation{Kind: op.Kind, Entity: op.Entity}
	out.Filter = copyMap(op.Filter)
	out.Record = copyMap(op.Record)

	switch op.Kind {
	case OpReadOne, OpReadMany, OpDelete:
		if out.Filter == nil {
			out.Filter = map[string]any{}
		}
		out.Filter[TenantKey] = s.tenantID
	case OpWrite:
		if out.Record == nil {
			out.Record = map[string]any{}
		}
		out.Record[TenantKey] = s.tenantID
	case OpUpdate:
		if out.Filter == nil {
			out.Filter = map[string]any{}
		}
		if out.Record == nil {
			out.Record = map[string]any{}
		}
		out.Filter[TenantKey] = s.tenantID
		out.Record[TenantKey] = s.tenantID
	default:
		return Operation{}, fmt.Errorf("scope: unknown operation kind %d", int(op.Kind))
	}
	return out, nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
