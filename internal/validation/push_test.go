package validation

import (
	"strings"
	"testing"

	jsync "github.com/hyperengineering/journalsync/internal/sync"
)

func validRecord() jsync.PushRecord {
	return jsync.PushRecord{
		TableName:     jsync.TableDailyEntries,
		RecordID:      "e1",
		Operation:     jsync.OperationInsert,
		ClientVersion: 0,
		Data:          map[string]any{"text": "A"},
	}
}

func hasField(errs []ValidationError, field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestValidatePushRecord_Valid(t *testing.T) {
	if errs := ValidatePushRecord(0, validRecord()); len(errs) != 0 {
		t.Errorf("ValidatePushRecord(valid) = %v, want none", errs)
	}

	del := validRecord()
	del.Operation = jsync.OperationDelete
	del.Data = nil
	del.ClientVersion = 3
	if errs := ValidatePushRecord(0, del); len(errs) != 0 {
		t.Errorf("DELETE without data = %v, want none", errs)
	}
}

func TestValidatePushRecord_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*jsync.PushRecord)
		field  string
	}{
		{"unknown table", func(r *jsync.PushRecord) { r.TableName = "notes" }, "records[2].table_name"},
		{"lowercase operation", func(r *jsync.PushRecord) { r.Operation = "insert" }, "records[2].operation"},
		{"missing record id", func(r *jsync.PushRecord) { r.RecordID = " " }, "records[2].record_id"},
		{"null byte id", func(r *jsync.PushRecord) { r.RecordID = "a\x00b" }, "records[2].record_id"},
		{"long id", func(r *jsync.PushRecord) { r.RecordID = strings.Repeat("x", MaxRecordIDLength+1) }, "records[2].record_id"},
		{"negative version", func(r *jsync.PushRecord) { r.ClientVersion = -1 }, "records[2].client_version"},
		{"update without data", func(r *jsync.PushRecord) { r.Operation = jsync.OperationUpdate; r.Data = nil }, "records[2].data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validRecord()
			tt.mutate(&rec)
			errs := ValidatePushRecord(2, rec)
			if !hasField(errs, tt.field) {
				t.Errorf("errors = %v, want one for %s", errs, tt.field)
			}
		})
	}
}

func TestValidatePushRequest(t *testing.T) {
	if errs := ValidatePushRequest(jsync.PushRequest{}); !hasField(errs, "records") {
		t.Errorf("empty request errors = %v, want records error", errs)
	}

	big := jsync.PushRequest{Records: make([]jsync.PushRecord, MaxPushRecords+1)}
	if errs := ValidatePushRequest(big); !hasField(errs, "records") {
		t.Errorf("oversized request errors = %v, want records error", errs)
	}

	ok := jsync.PushRequest{Records: []jsync.PushRecord{validRecord()}}
	if errs := ValidatePushRequest(ok); len(errs) != 0 {
		t.Errorf("valid request errors = %v", errs)
	}
}

func TestValidatePush_CollectsAll(t *testing.T) {
	bad := validRecord()
	bad.TableName = "nope"
	worse := validRecord()
	worse.RecordID = ""
	worse.ClientVersion = -2

	errs := ValidatePush(jsync.PushRequest{Records: []jsync.PushRecord{validRecord(), bad, worse}})
	for _, f := range []string{"records[1].table_name", "records[2].record_id", "records[2].client_version"} {
		if !hasField(errs, f) {
			t.Errorf("missing error for %s in %v", f, errs)
		}
	}
	if hasField(errs, "records[0].table_name") {
		t.Error("valid record reported")
	}
}
