package awareness

import "boardsync/internal/palette"

// Field names inside a client's replicated entry.
const (
	FieldUser      = "user"
	FieldCursor    = "cursor"
	FieldPresence  = "presence"
	FieldSelection = "selection"
	FieldEditing   = "editing"
)

// Identity is fixed for the lifetime of a session.
type Identity struct {
	UserID string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

func NewIdentity(userID, name string) Identity {
	return Identity{UserID: userID, Name: name, Color: palette.Assign(userID)}
}

type Cursor struct {
	X            float64  `json:"x"`
	Y            float64  `json:"y"`
	OwnerID      string   `json:"userId"`
	OwnerName    string   `json:"userName"`
	Color        string   `json:"color"`
	Tool         string   `json:"tool,omitempty"`
	IsDrawing    bool     `json:"isDrawing"`
	IsSelecting  bool     `json:"isSelecting"`
	IsActive     bool     `json:"isActive"`
	LastActivity int64    `json:"lastActivity"`
	Pressure     *float64 `json:"pressure,omitempty"`
}

// CursorPatch carries only the fields a caller wants to change; nil fields
// keep their last published value.
type CursorPatch struct {
	X           *float64
	Y           *float64
	Tool        *string
	IsDrawing   *bool
	IsSelecting *bool
	IsActive    *bool
	Pressure    *float64
}

func (p CursorPatch) apply(c *Cursor) {
	if p.X != nil {
		c.X = *p.X
	}
	if p.Y != nil {
		c.Y = *p.Y
	}
	if p.Tool != nil {
		c.Tool = *p.Tool
	}
	if p.IsDrawing != nil {
		c.IsDrawing = *p.IsDrawing
	}
	if p.IsSelecting != nil {
		c.IsSelecting = *p.IsSelecting
	}
	if p.IsActive != nil {
		c.IsActive = *p.IsActive
	}
	if p.Pressure != nil {
		v := *p.Pressure
		c.Pressure = &v
	}
}

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

type Quality string

const (
	QualityGood Quality = "good"
	QualityFair Quality = "fair"
	QualityPoor Quality = "poor"
)

type Presence struct {
	OwnerID                string  `json:"userId"`
	Name                   string  `json:"name"`
	Status                 Status  `json:"status"`
	LastSeen               int64   `json:"lastSeen"`
	SessionDurationSeconds int     `json:"sessionDuration"`
	ConnectionQuality      Quality `json:"connectionQuality"`
	CurrentActivity        string  `json:"currentActivity,omitempty"`
}

type PresencePatch struct {
	Status                 *Status
	SessionDurationSeconds *int
	ConnectionQuality      *Quality
	CurrentActivity        *string
}

func (p PresencePatch) apply(pr *Presence) {
	if p.Status != nil {
		pr.Status = *p.Status
	}
	if p.SessionDurationSeconds != nil {
		pr.SessionDurationSeconds = *p.SessionDurationSeconds
	}
	if p.ConnectionQuality != nil {
		pr.ConnectionQuality = *p.ConnectionQuality
	}
	if p.CurrentActivity != nil {
		pr.CurrentActivity = *p.CurrentActivity
	}
}

type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Selection struct {
	ElementIDs  []string    `json:"elementIds"`
	BoundingBox BoundingBox `json:"boundingBox"`
}

type EditType string

const (
	EditText   EditType = "text"
	EditMove   EditType = "move"
	EditResize EditType = "resize"
	EditRotate EditType = "rotate"
	EditStyle  EditType = "style"
)

type EditingLock struct {
	ElementID string   `json:"elementId"`
	EditType  EditType `json:"editType"`
	StartTime int64    `json:"startTime"`
}

// Peer is the decoded replicated entry of one client.
type Peer struct {
	ClientID  string
	Identity  Identity
	Cursor    *Cursor
	Presence  *Presence
	Selection *Selection
	Editing   *EditingLock
}

type ConnectionStats struct {
	ConnectedUsers int    `json:"connectedUsers"`
	LocalClientID  string `json:"localClientId"`
	TotalClients   int    `json:"totalClients"`
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }
