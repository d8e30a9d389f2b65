package stores

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/castwork/castwork/pkg/engine"
)

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return newSQLiteStoreWithDB(db), mock
}

func TestTransitionDistinguishesConflictFromMissing(t *testing.T) {
	tests := []struct {
		name    string
		status  *sqlmock.Rows
		readErr error
		want    error
	}{
		{
			name:   "status moved on",
			status: sqlmock.NewRows([]string{"status"}).AddRow("cancelled"),
			want:   ErrConflict,
		},
		{
			name:    "row missing",
			readErr: sql.ErrNoRows,
			want:    ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)

			mock.ExpectExec(regexp.QuoteMeta("UPDATE recipe_executions SET status = ?")).
				WithArgs("running", sqlmock.AnyArg(), sqlmock.AnyArg(), "exec-1", "pending").
				WillReturnResult(sqlmock.NewResult(0, 0))
			q := mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM recipe_executions WHERE id = ?")).WithArgs("exec-1")
			if tt.readErr != nil {
				q.WillReturnError(tt.readErr)
			} else {
				q.WillReturnRows(tt.status)
			}

			err := store.TransitionExecutionStatus(context.Background(), "exec-1", engine.StatusChange{
				From: []engine.ExecutionStatus{engine.ExecutionStatusPending},
				To:   engine.ExecutionStatusRunning,
			})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("expectations: %v", err)
			}
		})
	}
}

func TestStoreErrorsAreWrapped(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk I/O error")

	tests := []struct {
		name   string
		expect func(mock sqlmock.Sqlmock)
		call   func(s *SQLiteStore) error
		want   string
	}{
		{
			name: "progress",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE recipe_executions").WillReturnError(boom)
			},
			call: func(s *SQLiteStore) error { return s.UpdateExecutionProgress(ctx, "exec-1", 1, 50) },
			want: "failed to update execution progress",
		},
		{
			name: "finalize",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE recipe_executions").WillReturnError(boom)
			},
			call: func(s *SQLiteStore) error { return s.FinalizeExecution(ctx, "exec-1", engine.Finalization{}) },
			want: "failed to finalize execution",
		},
		{
			name: "upsert",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO step_results").WillReturnError(boom)
			},
			call: func(s *SQLiteStore) error {
				return s.UpsertStepResult(ctx, &engine.StepResult{ExecutionID: "exec-1", Status: engine.StepStatusRunning})
			},
			want: "failed to upsert step result",
		},
		{
			name: "get execution",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM recipe_executions WHERE id").WillReturnError(boom)
			},
			call: func(s *SQLiteStore) error {
				_, err := s.GetExecution(ctx, "exec-1")
				return err
			},
			want: "failed to get execution",
		},
		{
			name: "list step results",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM step_results").WillReturnError(boom)
			},
			call: func(s *SQLiteStore) error {
				_, err := s.ListStepResults(ctx, "exec-1")
				return err
			},
			want: "failed to list step results",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			tt.expect(mock)

			err := tt.call(store)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
			if !errors.Is(err, boom) {
				t.Errorf("expected underlying error to be wrapped, got %v", err)
			}
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				t.Errorf("expected a plain store failure, got %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("expectations: %v", err)
			}
		})
	}
}

func TestUpsertRejectedWhenNoRowChanges(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO step_results").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpsertStepResult(context.Background(), &engine.StepResult{
		ExecutionID: "exec-1",
		StepIndex:   2,
		Status:      engine.StepStatusRunning,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if !strings.Contains(err.Error(), "step 2") {
		t.Errorf("expected message naming the step, got %v", err)
	}
}

func TestSaveRecipeRollsBackOnStepFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM recipes WHERE slug").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO recipes").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO recipe_steps").WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	recipe := &engine.Recipe{
		Slug:      "broken",
		InputKind: engine.InputKindText,
		Status:    engine.RecipeStatusActive,
		Steps:     []engine.Step{{StepIndex: 0, Type: engine.StepTypeLLM}},
	}
	if _, err := store.SaveRecipe(context.Background(), recipe); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(3); got != "?, ?, ?" {
		t.Errorf("expected '?, ?, ?', got %q", got)
	}
	if got := placeholders(1); got != "?" {
		t.Errorf("expected '?', got %q", got)
	}
}
