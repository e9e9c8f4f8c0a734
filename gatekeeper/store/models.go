package store

import (
	"time"

	"github.com/splshield/splguard/gatekeeper"
)

// One fixed-window counter for a (subject, action class) bucket. Owned by the rate limiter.
type RateWindow struct {
	Bucket      string             `gorm:"primaryKey;size:255"`
	WindowStart gatekeeper.Instant `gorm:"primaryKey;autoIncrement:false"`
	Hits        int                `gorm:"not null;default:0"`
	ExpiresAt   gatekeeper.Instant `gorm:"not null;index"`
}

func (RateWindow) TableName() string {
	return "rate_windows"
}

// A single recorded infraction, kept in the append-only history of a UserInfraction.
type InfractionEvent struct {
	At             gatekeeper.Instant `json:"at"`
	Severity       int                `json:"severity"`
	Reason         string             `json:"reason,omitempty"`
	StrikeCount    int                `json:"strike_count"`
	ProbationUntil gatekeeper.Instant `json:"probation_until,omitempty"`
	// warn, probation or ban
	Action string `json:"action,omitempty"`
}

// Authoritative strike and probation state for a subject. Owned by the strike tracker; rows are never deleted.
type UserInfraction struct {
	ID               uint               `gorm:"primaryKey"`
	SubjectKey       string             `gorm:"uniqueIndex;size:64;not null"`
	ChatID           int64              `gorm:"not null;index"`
	UserID           int64              `gorm:"not null;index"`
	Username         string             `gorm:"size:255"`
	StrikeCount      int                `gorm:"not null;default:0"`
	ProbationUntil   gatekeeper.Instant `gorm:"not null;default:0"`
	LastInfractionAt gatekeeper.Instant `gorm:"not null;default:0"`
	JoinedAt         gatekeeper.Instant `gorm:"not null;default:0"`
	// first time the strike count reached the ban threshold
	BannedAt gatekeeper.Instant `gorm:"not null;default:0"`
	History          []InfractionEvent  `gorm:"serializer:json;type:text"`
	Version          int64              `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (UserInfraction) TableName() string {
	return "user_infractions"
}

func (u *UserInfraction) Subject() gatekeeper.Subject {
	return gatekeeper.Subject{ChatID: u.ChatID, UserID: u.UserID}
}

type CampaignStatus string

const (
	CampaignUpcoming CampaignStatus = "upcoming"
	CampaignLive     CampaignStatus = "live"
	CampaignEnded    CampaignStatus = "ended"
)

// The singleton external campaign row. Owned by the reconciliation monitor.
type CampaignRecord struct {
	ID        uint               `gorm:"primaryKey"`
	Campaign  string             `gorm:"uniqueIndex;size:128;not null"`
	Status    CampaignStatus     `gorm:"size:16;not null"`
	StartTime gatekeeper.Instant `gorm:"not null"`
	EndTime   gatekeeper.Instant `gorm:"not null;default:0"`
	Links     map[string]string  `gorm:"serializer:json;type:text"`
	Metadata  map[string]string  `gorm:"serializer:json;type:text"`
	Version   int64              `gorm:"not null;default:0"`
	SyncedAt  gatekeeper.Instant `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CampaignRecord) TableName() string {
	return "external_campaign_record"
}
