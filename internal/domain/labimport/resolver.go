package labimport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/labflow/labflow/internal/domain/exam"
	"github.com/labflow/labflow/internal/domain/identity"
)

// Layouts accepted for measured_at, tried in order. Values without a zone
// are read as UTC. The analyzer classifies datetime columns with the same
// list.
var measuredAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z0700",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006 15:04",
	"02/01/2006",
}

// ParseMeasuredAt parses a measurement timestamp in any supported layout.
func ParseMeasuredAt(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range measuredAtLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", v)
}

// ParseMeasuredValue accepts plain decimal literals only, so "1e3" and
// "0x10" are rejected. Negative values are allowed.
func ParseMeasuredValue(v string) (decimal.Decimal, error) {
	v = strings.TrimSpace(v)
	if !numericRe.MatchString(v) {
		return decimal.Decimal{}, fmt.Errorf("not a decimal literal: %q", v)
	}
	return decimal.NewFromString(v)
}

// Resolver turns a parsed row into the entities it refers to.
type Resolver struct {
	users UserDirectory
	types ExamTypeDirectory
}

func NewResolver(users UserDirectory, types ExamTypeDirectory) *Resolver {
	return &Resolver{users: users, types: types}
}

// Resolve runs the field, patient, exam type and timestamp checks in order
// and stops at the first failure. Row-level problems come back as *RowError;
// any other error is an infrastructure failure.
func (r *Resolver) Resolve(ctx context.Context, row Row) (*resolvedRow, error) {
	for _, f := range RequiredHeaders {
		if strings.TrimSpace(row.Get(f)) == "" {
			return nil, rowErrorf("Missing required field: " + f)
		}
	}
	value, err := ParseMeasuredValue(row.Get(FieldMeasuredValue))
	if err != nil {
		return nil, rowErrorf("Invalid numeric value: " + row.Get(FieldMeasuredValue))
	}

	email := identity.NormalizeEmail(row.Get(FieldPatientEmail))
	patient, err := r.users.FindByEmailWithRole(ctx, email, identity.RolePatient)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, rowErrorf("Patient not found: " + email)
	}
	if err != nil {
		return nil, fmt.Errorf("look up patient %s: %w", email, err)
	}

	name := strings.TrimSpace(row.Get(FieldTestType))
	et, err := r.types.FindByName(ctx, name)
	if errors.Is(err, exam.ErrNotFound) {
		return nil, rowErrorf("Exam type not found: " + name)
	}
	if err != nil {
		return nil, fmt.Errorf("look up exam type %s: %w", name, err)
	}

	measuredAt, err := ParseMeasuredAt(row.Get(FieldMeasuredAt))
	if err != nil {
		return nil, rowErrorf("Invalid datetime format: " + row.Get(FieldMeasuredAt))
	}

	return &resolvedRow{
		Number:     row.Number,
		PatientID:  patient.ID,
		ExamTypeID: et.ID,
		ExamName:   et.Name,
		Value:      value,
		Unit:       strings.TrimSpace(row.Get(FieldUnit)),
		MeasuredAt: measuredAt,
	}, nil
}
