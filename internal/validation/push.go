package validation

import (
	"fmt"

	jsync "github.com/hyperengineering/journalsync/internal/sync"
)

const (
	// MaxPushRecords bounds the records accepted in one push request.
	MaxPushRecords = 1000
	// MaxRecordIDLength bounds record_id in runes.
	MaxRecordIDLength = 128
)

// ValidatePushRequest validates request-level constraints. It rejects
// the whole request.
func ValidatePushRequest(req jsync.PushRequest) []ValidationError {
	c := &Collector{}
	if len(req.Records) == 0 {
		c.Add(&ValidationError{Field: "records", Message: "must contain at least one record"})
	}
	if len(req.Records) > MaxPushRecords {
		c.Add(&ValidationError{
			Field:   "records",
			Message: fmt.Sprintf("exceeds maximum of %d records", MaxPushRecords),
		})
	}
	return c.Errors()
}

// ValidatePushRecord checks one record. Field names are indexed so a
// client can locate the offending record.
func ValidatePushRecord(index int, rec jsync.PushRecord) []ValidationError {
	c := &Collector{}
	prefix := fmt.Sprintf("records[%d]", index)

	c.Add(ValidateEnum(prefix+".table_name", string(rec.TableName), jsync.TableNames()))
	c.Add(ValidateEnum(prefix+".operation", string(rec.Operation), jsync.OperationNames()))

	idField := prefix + ".record_id"
	if err := ValidateRequired(idField, rec.RecordID); err != nil {
		c.Add(err)
	} else {
		c.Add(ValidateUTF8(idField, rec.RecordID))
		c.Add(ValidateNoNullBytes(idField, rec.RecordID))
		c.Add(ValidateMaxLength(idField, rec.RecordID, MaxRecordIDLength))
	}

	c.Add(ValidateMin(prefix+".client_version", rec.ClientVersion, 0))

	if (rec.Operation == jsync.OperationInsert || rec.Operation == jsync.OperationUpdate) && rec.Data == nil {
		c.Add(&ValidationError{Field: prefix + ".data", Message: "is required for INSERT and UPDATE"})
	}
	return c.Errors()
}

// ValidatePush runs request and per-record validation and returns every
// error found.
func ValidatePush(req jsync.PushRequest) []ValidationError {
	errs := ValidatePushRequest(req)
	for i, rec := range req.Records {
		errs = append(errs, ValidatePushRecord(i, rec)...)
	}
	return errs
}
