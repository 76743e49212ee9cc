package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/homebase-id/odin-transit/internal/server/models"
)

const presignValidity = 15 * time.Minute

// FileWriter receives admitted transfers. The production implementation is
// the drive layer; DirWriter is a plain-filesystem stand-in used for tests
// and single-node deployments.
type FileWriter interface {
	// CommitTransfer stores an admitted transfer. payload is nil for
	// payload-less transfers (reactions, read receipts).
	CommitTransfer(ctx context.Context, item *models.InboxItem, payload io.Reader) error
}

// DirWriter commits transfers under root/<tenant>/<box>/. Each admitted item
// becomes a metadata sidecar plus, when present, the payload file. Writes go
// through a temp file and rename so a crash never leaves a half-written
// payload visible.
type DirWriter struct {
	Root string
}

type transferRecord struct {
	ItemKey              string    `json:"item_key"`
	Sender               string    `json:"sender"`
	GlobalTransitID      string    `json:"global_transit_id"`
	PublicKeyFingerprint string    `json:"public_key_fingerprint"`
	ReceivedAt           time.Time `json:"received_at"`
	HasPayload           bool      `json:"has_payload"`
}

func (w *DirWriter) CommitTransfer(ctx context.Context, item *models.InboxItem, payload io.Reader) error {
	dir := filepath.Join(w.Root, item.TenantID, item.BoxID)
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	if payload != nil {
		if err := w.writePayload(dir, item.ItemKey, payload); err != nil {
			return err
		}
	}

	record := transferRecord{
		ItemKey:              item.ItemKey,
		Sender:               item.Sender,
		GlobalTransitID:      item.GlobalTransitID.String(),
		PublicKeyFingerprint: item.PublicKeyFingerprint,
		ReceivedAt:           time.Now().UTC(),
		HasPayload:           payload != nil,
	}
	b, err := json.Marshal(record)
	if err != nil {
		return err
	}
	sidecar := filepath.Join(dir, item.ItemKey+".json")
	if err := os.WriteFile(sidecar, b, 0o660); err != nil {
		return fmt.Errorf("write %s: %w", sidecar, err)
	}
	return nil
}

func (w *DirWriter) writePayload(dir, itemKey string, payload io.Reader) error {
	tmp, err := os.CreateTemp(dir, itemKey+".partial-*")
	if err != nil {
		return fmt.Errorf("create temp payload: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	final := filepath.Join(dir, itemKey+".payload")
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("rename payload: %w", err)
	}
	return nil
}
