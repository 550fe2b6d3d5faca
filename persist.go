package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"gorm.io/gorm"
)

const (
	// most recent settled messages kept in the durable copy
	historyRetentionLimit = 50
	// reduced window used for the single retry after a full store
	historyRetryLimit = 20

	msgStorageFull = "Chat history could not be saved; older messages were dropped."
	msgStorageOff  = "Chat history storage is full; saving is disabled for this session."
)

// HistoryStore is the durable side of a conversation. Save and Clear never
// return errors: every failure is recovered or surfaced as a notification,
// and the conversation continues.
type HistoryStore interface {
	Load() (Settings, []Message, error)
	SaveSettings(settings Settings)
	SaveMessages(messages []Message)
	Clear()
}

// decodeMessage validates one stored record, producing a well typed Message
// or a decode failure for that record alone.
func decodeMessage(raw json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, err
	}
	if m.ID == "" {
		return Message{}, errors.New("stored message has no id")
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return Message{}, fmt.Errorf("stored message has unknown role %q", m.Role)
	}

	return m, nil
}

func decodeMessages(raws []json.RawMessage) []Message {
	messages := make([]Message, 0, len(raws))
	for _, raw := range raws {
		m, err := decodeMessage(raw)
		if err != nil {
			Log.Warn("skipping undecodable history record: ", err)
			continue
		}
		if m.Pending {
			// a pending artifact must never survive a reload
			continue
		}
		messages = append(messages, m)
	}

	return messages
}

// filterSettled drops pending entries and trims to the given retention window.
func filterSettled(messages []Message, limit int) []Message {
	settled := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Pending {
			continue
		}
		settled = append(settled, m)
	}
	if len(settled) > limit {
		settled = settled[len(settled)-limit:]
	}

	return settled
}

// fileStore keeps a session-local transcript in a JSON file. It is the
// fallback when no identity is present; such history does not migrate on a
// later sign-in.
type fileStore struct {
	mutex    sync.Mutex
	path     string
	notifier Notifier
	disabled bool

	// swappable for capacity failure tests
	writeFile func(name string, data []byte, perm os.FileMode) error
}

type historyFile struct {
	Settings *Settings         `json:"settings,omitempty"`
	Messages []json.RawMessage `json:"messages"`
}

func newFileStore(path string, notifier Notifier) *fileStore {
	if notifier == nil {
		notifier = logNotifier{}
	}

	return &fileStore{path: path, notifier: notifier, writeFile: os.WriteFile}
}

func (f *fileStore) Load() (Settings, []Message, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	bytes, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultSettings, nil, nil
		}
		return defaultSettings, nil, err
	}

	var stored historyFile
	if err := json.Unmarshal(bytes, &stored); err != nil {
		return defaultSettings, nil, err
	}

	settings := defaultSettings
	if stored.Settings != nil {
		settings = *stored.Settings
	}

	return settings, decodeMessages(stored.Messages), nil
}

func (f *fileStore) SaveSettings(settings Settings) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	_, messages, _ := f.read()
	f.write(settings, messages)
}

func (f *fileStore) SaveMessages(messages []Message) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	settings, _, _ := f.read()
	f.write(settings, filterSettled(messages, historyRetentionLimit))
}

func (f *fileStore) Clear() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		Log.Warn("failed to clear history file: ", err)
	}
}

func (f *fileStore) read() (Settings, []Message, error) {
	bytes, err := os.ReadFile(f.path)
	if err != nil {
		return defaultSettings, nil, err
	}
	var stored historyFile
	if err := json.Unmarshal(bytes, &stored); err != nil {
		return defaultSettings, nil, err
	}
	settings := defaultSettings
	if stored.Settings != nil {
		settings = *stored.Settings
	}

	return settings, decodeMessages(stored.Messages), nil
}

// write persists the blob, shrinking the retained window once on a capacity
// failure and disabling the store when even that fails. Nothing propagates
// out of the save path.
func (f *fileStore) write(settings Settings, messages []Message) {
	if f.disabled {
		return
	}

	if err := f.writeBlob(settings, messages); err == nil {
		return
	}

	Log.Warn("history save failed, retrying with a reduced window")
	if err := f.writeBlob(settings, filterSettled(messages, historyRetryLimit)); err == nil {
		f.notifier.Notify("Storage", msgStorageFull)
		return
	}

	f.disabled = true
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		Log.Warn("failed to remove history file: ", err)
	}
	f.notifier.Notify("Storage", msgStorageOff)
}

func (f *fileStore) writeBlob(settings Settings, messages []Message) error {
	raws := make([]json.RawMessage, 0, len(messages))
	for _, m := range messages {
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		raws = append(raws, raw)
	}

	bytes, err := json.Marshal(historyFile{Settings: &settings, Messages: raws})
	if err != nil {
		return err
	}

	return f.writeFile(f.path, bytes, 0644)
}

// dbStore keeps one ChatHistory row per identity, created lazily.
type dbStore struct {
	mutex    sync.Mutex
	db       *gorm.DB
	identity string
	notifier Notifier
	disabled bool
}

func newDBStore(db *gorm.DB, identity string, notifier Notifier) *dbStore {
	if notifier == nil {
		notifier = logNotifier{}
	}

	return &dbStore{db: db, identity: identity, notifier: notifier}
}

// record returns the identity's history row, creating it on first need.
func (d *dbStore) record() (*ChatHistory, error) {
	var history ChatHistory
	if err := d.db.FirstOrCreate(&history, ChatHistory{Identity: d.identity}).Error; err != nil {
		return nil, err
	}
	if history.ImageSize == "" {
		history.ImageSize = defaultSettings.ImageSize
		history.ImageStyle = defaultSettings.ImageStyle
		history.ImageQuality = defaultSettings.ImageQuality
		if err := d.db.Save(&history).Error; err != nil {
			return nil, err
		}
	}

	return &history, nil
}

func (d *dbStore) Load() (Settings, []Message, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	history, err := d.record()
	if err != nil {
		return defaultSettings, nil, err
	}

	settings := Settings{
		ImageSize:    history.ImageSize,
		ImageStyle:   history.ImageStyle,
		ImageQuality: history.ImageQuality,
	}

	// revalidate the stored shape record by record
	raws := make([]json.RawMessage, 0, len(history.Messages))
	for _, m := range history.Messages {
		raw, err := json.Marshal(m)
		if err != nil {
			continue
		}
		raws = append(raws, raw)
	}

	return settings, decodeMessages(raws), nil
}

func (d *dbStore) SaveSettings(settings Settings) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	history, err := d.record()
	if err != nil {
		Log.Warn("failed to load history record: ", err)
		return
	}

	history.ImageSize = settings.ImageSize
	history.ImageStyle = settings.ImageStyle
	history.ImageQuality = settings.ImageQuality
	if err := d.db.Save(history).Error; err != nil {
		Log.Warn("failed to save settings: ", err)
	}
}

func (d *dbStore) SaveMessages(messages []Message) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.disabled {
		return
	}

	history, err := d.record()
	if err != nil {
		Log.Warn("failed to load history record: ", err)
		return
	}

	history.Messages = filterSettled(messages, historyRetentionLimit)
	if err := d.db.Save(history).Error; err == nil {
		return
	}

	Log.Warn("history save failed, retrying with a reduced window")
	history.Messages = filterSettled(messages, historyRetryLimit)
	if err := d.db.Save(history).Error; err == nil {
		d.notifier.Notify("Storage", msgStorageFull)
		return
	}

	d.disabled = true
	if err := d.db.Where("identity = ?", d.identity).Delete(&ChatHistory{}).Error; err != nil {
		Log.Warn("failed to clear history record: ", err)
	}
	d.notifier.Notify("Storage", msgStorageOff)
}

func (d *dbStore) Clear() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	history, err := d.record()
	if err != nil {
		Log.Warn("failed to load history record: ", err)
		return
	}

	history.Messages = Messages{}
	if err := d.db.Save(history).Error; err != nil {
		Log.Warn("failed to clear history: ", err)
	}
}
