package storage

import (
	"errors"

	"github.com/martinsuchenak/sweepd/internal/model"
)

var ErrScanNotFound = errors.New("scan not found")

// Journal records dispatched scans and their lifecycle, so the ticket
// returned by the fire-and-forget ack can be queried later.
type Journal interface {
	CreateScan(rec *model.ScanRecord) error
	SetScanState(id string, state model.ScanState) error
	CompleteScan(id string, summary model.Summary, errText string) error
	GetScan(id string) (*model.ScanRecord, error)
	ListScans(limit int) ([]model.ScanRecord, error)
	Close() error
}
