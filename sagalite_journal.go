package sagalite

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/stephenfire/go-rtl"
)

var (
	ErrExecutionNotFound = errors.New("saga execution not found")
	ErrMustPointer       = errors.New("value must be a pointer")
	ErrEncoding          = errors.New("failed to encode value")
)

const (
	tableSagaExecutions = "saga_executions"
	tableStepExecutions = "step_executions"

	executionTypeTransaction  = "transaction"
	executionTypeCompensation = "compensation"
)

// SagaExecutionRecord is one saga execution as seen by the journal.
type SagaExecutionRecord struct {
	ID          string
	Name        string
	AggregateID string
	Status      SagaStatus
	Error       string
	Payload     []byte
	StartedAt   time.Time
	UpdatedAt   time.Time
}

// DecodePayload decodes the recorded business payload into out, which must
// be a pointer to the payload's concrete type.
func (r *SagaExecutionRecord) DecodePayload(out interface{}) error {
	if reflect.TypeOf(out).Kind() != reflect.Ptr {
		return errors.Join(ErrEncoding, ErrMustPointer)
	}
	if err := rtl.Decode(bytes.NewBuffer(r.Payload), out); err != nil {
		return errors.Join(ErrEncoding, err)
	}
	return nil
}

// StepExecutionRecord is one transaction or compensation attempt series for
// a single step.
type StepExecutionRecord struct {
	ID         string
	SagaID     SagaID
	Seq        int64
	StepIndex  int
	StepName   string
	Type       string
	Status     SagaStepStatus
	RetryCount int
	Duration   time.Duration
	Error      string
	At         time.Time
}

// Journal is the in-memory execution log of the engine: every saga execution
// and every step transaction/compensation lands here, indexed and queryable.
// It lives and dies with the process.
type Journal struct {
	db  *memdb.MemDB
	seq atomic.Int64
}

func journalSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableSagaExecutions: {
				Name: tableSagaExecutions,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"status": {
						Name:         "status",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Status"},
					},
					"name": {
						Name:         "name",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
			tableStepExecutions: {
				Name: tableStepExecutions,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"saga": {
						Name:    "saga",
						Indexer: &memdb.StringFieldIndex{Field: "SagaID"},
					},
				},
			},
		},
	}
}

func NewJournal() (*Journal, error) {
	db, err := memdb.NewMemDB(journalSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to create journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// RecordSagaExecution upserts the journal row for the saga's current
// execution. An unencodable payload is stored as nil rather than failing the
// record; the journal is observational.
func (j *Journal) RecordSagaExecution(sg *Saga, data interface{}) error {
	payload, err := encodePayload(data)
	if err != nil {
		payload = nil
	}

	now := time.Now()
	rec := &SagaExecutionRecord{
		ID:          sg.context.SagaID.String(),
		Name:        sg.config.name,
		AggregateID: sg.context.AggregateID,
		Status:      sg.Status(),
		Payload:     payload,
		StartedAt:   now,
		UpdatedAt:   now,
	}

	txn := j.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(tableSagaExecutions, "id", rec.ID); err == nil && existing != nil {
		prev := existing.(*SagaExecutionRecord)
		rec.StartedAt = prev.StartedAt
	}
	if err := txn.Insert(tableSagaExecutions, rec); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// UpdateSagaStatus moves the journal row to the given status, creating a
// minimal row when none exists yet.
func (j *Journal) UpdateSagaStatus(id SagaID, status SagaStatus, errMsg string) error {
	txn := j.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableSagaExecutions, "id", id.String())
	if err != nil {
		return err
	}

	var rec SagaExecutionRecord
	if raw != nil {
		rec = *raw.(*SagaExecutionRecord)
	} else {
		rec = SagaExecutionRecord{ID: id.String(), StartedAt: time.Now()}
	}
	rec.Status = status
	rec.Error = errMsg
	rec.UpdatedAt = time.Now()

	if err := txn.Insert(tableSagaExecutions, &rec); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (j *Journal) RecordStepExecution(rec *StepExecutionRecord) error {
	stored := *rec
	stored.ID = uuid.NewString()
	stored.Seq = j.seq.Add(1)
	stored.At = time.Now()

	txn := j.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tableStepExecutions, &stored); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (j *Journal) SagaExecution(id SagaID) (*SagaExecutionRecord, error) {
	txn := j.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableSagaExecutions, "id", id.String())
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.Join(ErrExecutionNotFound, fmt.Errorf("saga execution %s", id))
	}
	rec := *raw.(*SagaExecutionRecord)
	return &rec, nil
}

func (j *Journal) SagaExecutionsByStatus(status SagaStatus) ([]*SagaExecutionRecord, error) {
	return j.sagaExecutionsBy("status", string(status))
}

func (j *Journal) SagaExecutionsByName(name string) ([]*SagaExecutionRecord, error) {
	return j.sagaExecutionsBy("name", name)
}

func (j *Journal) sagaExecutionsBy(index, value string) ([]*SagaExecutionRecord, error) {
	txn := j.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableSagaExecutions, index, value)
	if err != nil {
		return nil, err
	}

	var out []*SagaExecutionRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := *raw.(*SagaExecutionRecord)
		out = append(out, &rec)
	}
	return out, nil
}

// StepExecutions returns every recorded transaction/compensation for one
// saga execution, in the order they happened.
func (j *Journal) StepExecutions(id SagaID) ([]*StepExecutionRecord, error) {
	txn := j.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableStepExecutions, "saga", id.String())
	if err != nil {
		return nil, err
	}

	var out []*StepExecutionRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := *raw.(*StepExecutionRecord)
		out = append(out, &rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out, nil
}

func encodePayload(data interface{}) ([]byte, error) {
	if data == nil {
		return nil, nil
	}

	// just get the real one
	if reflect.TypeOf(data).Kind() == reflect.Ptr {
		v := reflect.ValueOf(data)
		if v.IsNil() {
			return nil, nil
		}
		data = v.Elem().Interface()
	}

	buf := new(bytes.Buffer)
	if err := rtl.Encode(data, buf); err != nil {
		return nil, errors.Join(ErrEncoding, err)
	}
	return buf.Bytes(), nil
}
