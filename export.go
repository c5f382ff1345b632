package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/go-authgate/polestar-cli/polestar"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// exportEntry is the latest telemetry of one vehicle.
type exportEntry struct {
	FetchedAt time.Time          `json:"fetched_at"`
	Battery   *polestar.Battery  `json:"battery,omitempty"`
	Odometer  *polestar.Odometer `json:"odometer,omitempty"`
	Health    *polestar.Health   `json:"health,omitempty"`
}

// exportFile is the on-disk layout of the export file.
type exportFile struct {
	Vehicles map[string]*exportEntry `json:"vehicles"` // key = VIN
}

func newExportEntry(snap *polestar.TelemetrySnapshot) *exportEntry {
	entry := &exportEntry{FetchedAt: snap.FetchedAt}
	if snap.Payload == nil {
		return entry
	}
	// Missing records are simply left out.
	entry.Battery, _ = snap.Payload.BatteryFor(snap.VIN)
	entry.Odometer, _ = snap.Payload.OdometerFor(snap.VIN)
	entry.Health, _ = snap.Payload.HealthFor(snap.VIN)
	return entry
}

// loadExport reads the export file. A missing file yields an empty map.
func loadExport(path string) (*exportFile, error) {
	export := &exportFile{}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		export.Vehicles = make(map[string]*exportEntry)
		return export, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, export); err != nil {
		return nil, fmt.Errorf("failed to parse export file: %w", err)
	}
	if export.Vehicles == nil {
		export.Vehicles = make(map[string]*exportEntry)
	}
	return export, nil
}

// exportTelemetry stores snap under its VIN, keeping the entries of other vehicles.
// The file lock serializes concurrent CLI runs writing the same file.
func exportTelemetry(ctx context.Context, path string, snap *polestar.TelemetrySnapshot) error {
	lock, err := acquireFileLock(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock: %v\n", releaseErr)
		}
	}()

	// Load inside the lock so a concurrent writer's entries survive.
	export, err := loadExport(path)
	if err != nil {
		// An unreadable file is replaced rather than blocking every export.
		export = &exportFile{Vehicles: make(map[string]*exportEntry)}
	}

	export.Vehicles[snap.VIN] = newExportEntry(snap)

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first (atomic write pattern)
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	// Atomic rename (replaces old file)
	if err := os.Rename(tempFile, path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
