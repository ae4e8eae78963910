package gateway

import (
	"encoding/json"
	"time"

	"github.com/structura-bim/structura/internal/store/schema"
)

// EventType defines the type of a broadcast event
type EventType string

const (
	// EventElementUpdate indicates an element was upserted or changed status
	EventElementUpdate EventType = "element_update"

	// EventProjectUpdate indicates a project was upserted
	EventProjectUpdate EventType = "project_update"

	// EventActInsert indicates a new act was appended
	EventActInsert EventType = "act_insert"

	// EventLinkUpdate indicates an element-act link was added or removed
	EventLinkUpdate EventType = "link_update"

	// EventSyncComplete indicates pending markers were cleared
	EventSyncComplete EventType = "sync_complete"

	// EventActsScanned indicates a folder scan imported acts
	EventActsScanned EventType = "acts_scanned"
)

// Event is a change notification pushed to every connected UI.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ElementUpdateData contains element change information
type ElementUpdateData struct {
	GUID      string `json:"guid"`
	ProjectID string `json:"project_id,omitempty"`
	Action    string `json:"action"` // upserted, status_changed
	Status    string `json:"status,omitempty"`
}

// ProjectUpdateData contains project change information
type ProjectUpdateData struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ActInsertData contains the appended act
type ActInsertData struct {
	ID       int64  `json:"id"`
	Number   string `json:"number"`
	WorkType string `json:"work_type,omitempty"`
}

// LinkUpdateData contains link change information
type LinkUpdateData struct {
	ElementGUID string `json:"element_guid"`
	ActID       int64  `json:"act_id"`
	Action      string `json:"action"` // linked, unlinked
}

// SyncCompleteData lists the elements whose markers were cleared
type SyncCompleteData struct {
	GUIDs   []string `json:"guids"`
	Pending int      `json:"pending"`
}

// ActsScannedData summarizes a folder scan
type ActsScannedData struct {
	Folder   string        `json:"folder"`
	Found    int           `json:"found"`
	Imported []*schema.Act `json:"imported"`
}

// Publisher delivers events to subscribers. Publish must not block.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ev Event)

// Publish calls f(ev).
func (f PublisherFunc) Publish(ev Event) {
	f(ev)
}

// nopPublisher drops every event.
type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// NewEvent builds an event with data marshalled to JSON.
func NewEvent(typ EventType, data any) (Event, error) {
	ev := Event{Type: typ, Timestamp: time.Now().UTC()}
	if data == nil {
		return ev, nil
	}
	raw, err := marshal(data)
	if err != nil {
		return Event{}, err
	}
	ev.Data = raw
	return ev, nil
}
