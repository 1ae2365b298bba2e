package model

import "time"

type Role string

const (
	RoleClient Role = "client"
	RoleMaster Role = "master"
	RoleAdmin  Role = "admin"
)

type User struct {
	ID             int64
	Role           Role
	DisplayName    string
	IsBanned       bool
	IsMasterActive bool
	CreatedAt      time.Time
}

// ClientStats and MasterStats are aggregates recalculated by the stats
// service after transitions; the rule engine reads them when building
// evaluation context.
type ClientStats struct {
	UserID           int64
	CompletedOrders  int
	CancelledOrders  int
	AverageRating    float64
	CancellationRate float64
	RiskScore        int
	RiskLevel        string
	RiskUpdatedAt    *time.Time
}

type MasterStats struct {
	UserID          int64
	CompletedOrders int
	DeclinedOrders  int
	AverageRating   float64
	MasterScore     float64
	UpdatedAt       *time.Time
}
