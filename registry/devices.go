package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alwitt/livefeed/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"

	// Pure Go SQLite driver
	_ "modernc.org/sqlite"
)

// deviceSchema table holding the configured-device allow-list
const deviceSchema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id TEXT PRIMARY KEY,
	added_at TEXT NOT NULL
);`

// Device one configured device
type Device struct {
	// DeviceID is the device's ID
	DeviceID string `json:"device_id" validate:"required,hexadecimal,len=24"`
	// AddedAt is when the device was added to the allow-list
	AddedAt time.Time `json:"added_at"`
}

// DeviceRegistry persisted allow-list of configured devices. Only consulted when
// the relay is not accepting arbitrary devices.
type DeviceRegistry interface {
	// Add place a device on the allow-list
	Add(ctxt context.Context, deviceID string) error
	// Remove take a device off the allow-list
	Remove(ctxt context.Context, deviceID string) error
	// List fetch all configured devices
	List(ctxt context.Context) ([]Device, error)
	// Allowed check whether a device ID is on the allow-list
	Allowed(ctxt context.Context, deviceID string) (bool, error)
	// Close release the backing store
	Close() error
}

// deviceRegistryImpl implements DeviceRegistry on SQLite
type deviceRegistryImpl struct {
	common.Component
	db       *sql.DB
	validate *validator.Validate
}

// GetDeviceRegistry open (creating if needed) the device registry at dbPath. Use
// ":memory:" for an ephemeral registry.
func GetDeviceRegistry(dbPath string) (DeviceRegistry, error) {
	logTags := log.Fields{
		"module":    "registry",
		"component": "device-registry",
		"instance":  dbPath,
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("%s?_pragma=busy_timeout(5000)", dbPath))
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to open device DB %s", dbPath)
		return nil, err
	}
	if _, err := db.Exec(deviceSchema); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to apply device DB schema")
		_ = db.Close()
		return nil, err
	}
	log.WithFields(logTags).Infof("Opened device registry %s", dbPath)
	return &deviceRegistryImpl{
		Component: common.Component{LogTags: logTags},
		db:        db,
		validate:  validator.New(),
	}, nil
}

// checkDeviceID validate the device ID format
func (r *deviceRegistryImpl) checkDeviceID(deviceID string) error {
	if err := r.validate.Var(deviceID, "required,hexadecimal,len=24"); err != nil {
		return fmt.Errorf("invalid device ID '%s': %w", deviceID, err)
	}
	return nil
}

// Add place a device on the allow-list
func (r *deviceRegistryImpl) Add(ctxt context.Context, deviceID string) error {
	if err := r.checkDeviceID(deviceID); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to add device")
		return err
	}
	if _, err := r.db.ExecContext(
		ctxt,
		`INSERT OR REPLACE INTO devices (device_id, added_at) VALUES (?, ?)`,
		deviceID,
		time.Now().Format(time.RFC3339Nano),
	); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to add device %s", deviceID)
		return err
	}
	log.WithFields(r.LogTags).Infof("Added device %s", deviceID)
	return nil
}

// Remove take a device off the allow-list
func (r *deviceRegistryImpl) Remove(ctxt context.Context, deviceID string) error {
	if err := r.checkDeviceID(deviceID); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to remove device")
		return err
	}
	result, err := r.db.ExecContext(
		ctxt, `DELETE FROM devices WHERE device_id = ?`, deviceID,
	)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to remove device %s", deviceID)
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("device %s not configured", deviceID)
	}
	log.WithFields(r.LogTags).Infof("Removed device %s", deviceID)
	return nil
}

// List fetch all configured devices
func (r *deviceRegistryImpl) List(ctxt context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(
		ctxt, `SELECT device_id, added_at FROM devices ORDER BY added_at`,
	)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to list devices")
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	result := make([]Device, 0)
	for rows.Next() {
		var entry Device
		var addedAt string
		if err := rows.Scan(&entry.DeviceID, &addedAt); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Failed to read device row")
			return nil, err
		}
		if entry.AddedAt, err = time.Parse(time.RFC3339Nano, addedAt); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Failed to parse device timestamp")
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// Allowed check whether a device ID is on the allow-list
func (r *deviceRegistryImpl) Allowed(ctxt context.Context, deviceID string) (bool, error) {
	var found string
	err := r.db.QueryRowContext(
		ctxt, `SELECT device_id FROM devices WHERE device_id = ?`, deviceID,
	).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Allow-list lookup failed for %s", deviceID,
		)
		return false, err
	}
	return true, nil
}

// Close release the backing store
func (r *deviceRegistryImpl) Close() error {
	return r.db.Close()
}
