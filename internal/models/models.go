package models

import "time"

type Charger struct {
	ID              int64
	Serial          string
	ConnectorID     *int
	Vendor          string
	Model           string
	FirmwareVersion string
	SecretHash      string
	IsActive        bool

	RequiresRFID bool

	ExportTransactions bool
	ForwardedTo        *string // node id
	LastForwardedAt    *time.Time
	ForwardError       string

	FirmwareStatus   string
	LocalListVersion int
	ConfigJSON       []byte

	LastHeartbeat *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Transaction struct {
	ID          int
	ChargerID   int64
	Serial      string
	ConnectorID int
	IDTag       string
	StartTime   time.Time
	StopTime    *time.Time
	MeterStart  *int64 // Wh
	MeterStop   *int64 // Wh
	Reason      *string
}

type MeterReading struct {
	ID            int64
	Serial        string
	ConnectorID   int
	TransactionID int
	Timestamp     time.Time
	Measurand     string
	Value         float64
	Unit          string
	Phase         string
}

type ConnectorState struct {
	Serial      string
	ConnectorID int
	Status      string
	ErrorCode   string
	UpdatedAt   time.Time
}

// Node is a peer in the fleet registry, addressed by one or more candidate
// base URLs. PublicKeyPEM verifies snapshot and forwarding signatures.
type Node struct {
	ID           string
	Name         string
	BaseURLs     []string
	PublicKeyPEM string
	CreatedAt    time.Time
}

type Command struct {
	CommandID      string
	Serial         string
	Action         string
	IdempotencyKey string
	PayloadJSON    []byte
	Status         string
	ResponseJSON   []byte
	Error          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Account struct {
	IDTag     string
	Name      string
	Allowed   bool
	CreatedAt time.Time
}

type Reservation struct {
	ID          int
	Serial      string
	ConnectorID int
	IDTag       string
	ExpiryDate  time.Time
	Confirmed   bool
	Cancelled   bool
}
