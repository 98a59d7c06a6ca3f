/*
Package generic provides the domain-agnostic plumbing shared by the stock
ledger engine.

PURPOSE:
  The inventory, audit, money and incentive packages all need the same
  small set of building blocks: who owns stock, who is acting, what day it
  is, how a unit of work is opened, and how a write is made idempotent.
  Those live here so the domain packages stay focused on their rules.

KEY CONCEPTS IN THIS FILE (types.go):
  - EntityRef: The owner of physical stock (central warehouse or distributor)
  - Actor:     The explicit authorization context passed into every operation
  - Clock:     Injected time source so "today" is testable

DESIGN PRINCIPLES:
  1. No ambient state: callers pass Actor and Clock explicitly
  2. Type safety: entity types are an enumerated string type
  3. Storage-agnostic: nothing here knows about SQL or Redis

SEE ALSO:
  - errors.go:    Error taxonomy shared by every component
  - store.go:     Transactor (unit of work) and FindOrCreate
  - time.go:      Day (date-only) arithmetic used by expiry checks
*/
package generic

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// ENTITY - Owner of physical inventory
// =============================================================================

type EntityType string

const (
	EntityWarehouse   EntityType = "WAREHOUSE"
	EntityDistributor EntityType = "DISTRIBUTOR"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	return t == EntityWarehouse || t == EntityDistributor
}

// ParseEntityType accepts the upper or lower case form.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, s)
	}
	return t, nil
}

// EntityRef identifies the central warehouse or one distributor.
// The central warehouse uses an ID too, so multi-warehouse setups work.
type EntityRef struct {
	Type EntityType `json:"type" validate:"required,oneof=WAREHOUSE DISTRIBUTOR"`
	ID   string     `json:"id" validate:"required"`
}

func Warehouse(id string) EntityRef   { return EntityRef{Type: EntityWarehouse, ID: id} }
func Distributor(id string) EntityRef { return EntityRef{Type: EntityDistributor, ID: id} }

func (e EntityRef) String() string { return string(e.Type) + ":" + e.ID }
func (e EntityRef) IsZero() bool   { return e.Type == "" && e.ID == "" }

// =============================================================================
// ACTOR - Explicit authorization context
// =============================================================================

type Role string

const (
	RoleDistributor      Role = "distributor"
	RoleRetailer         Role = "retailer"
	RoleFieldOfficer     Role = "field_officer"
	RoleWarehouseManager Role = "warehouse_manager"
	RoleSalesManager     Role = "sales_manager"
	RoleSystem           Role = "system"
)

// Actor is who performs an operation. Role checks happen in the caller;
// the core only records the actor on every write.
type Actor struct {
	ID   string `json:"id" validate:"required"`
	Role Role   `json:"role"`
}

// SystemActor is used by schedulers and background jobs.
func SystemActor(name string) Actor {
	return Actor{ID: "system:" + name, Role: RoleSystem}
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock returns the current time. Services default to time.Now.
type Clock func() time.Time

func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// Today returns the current calendar day in UTC.
func (c Clock) Today() Day {
	return DayOf(c.Now().UTC())
}

// FixedClock always returns t. Used by tests and replay tools.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}
