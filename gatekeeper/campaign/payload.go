package campaign

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/PuerkitoBio/purell"
	"github.com/shopspring/decimal"

	"github.com/splshield/splguard/gatekeeper"
	"github.com/splshield/splguard/gatekeeper/store"
)

var (
	// The fetched (or seeded) payload could not be normalized. Treated the same as a failed fetch.
	ErrMalformed = errors.New("malformed campaign payload")

	// No campaign record has been stored yet.
	ErrUnknown = errors.New("campaign state unknown")

	ErrCycleInProgress = errors.New("reconciliation cycle already in progress")
)

// Timestamp is an external timestamp as received: a JSON string, or a bare JSON number of epoch seconds or milliseconds.
type Timestamp string

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Timestamp(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("timestamp must be a string or number: %w", err)
	}
	*t = Timestamp(n.String())
	return nil
}

// Payload is the external campaign snapshot, as fetched from the campaign endpoint or read from a seed file.
type Payload struct {
	Status    string            `json:"status"`
	Platform  string            `json:"platform,omitempty"`
	StartTime Timestamp         `json:"start_time"`
	EndTime   Timestamp         `json:"end_time,omitempty"`
	Hardcap   *decimal.Decimal  `json:"hardcap,omitempty"`
	Softcap   *decimal.Decimal  `json:"softcap,omitempty"`
	Raised    *decimal.Decimal  `json:"raised,omitempty"`
	Links     map[string]string `json:"links,omitempty"`
}

// DecodePayload parses a JSON payload. Any decoding failure, including a non-decimal numeric field, is ErrMalformed.
func DecodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &p, nil
}

func parseStatus(raw string) (store.CampaignStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "upcoming":
		return store.CampaignUpcoming, nil
	case "live", "active":
		return store.CampaignLive, nil
	case "ended":
		return store.CampaignEnded, nil
	case "":
		return "", fmt.Errorf("%w: missing status", ErrMalformed)
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrMalformed, raw)
	}
}

// normalize validates the payload and converts it to the stored representation. Every timestamp becomes a UTC Instant here; numeric fields are kept in canonical decimal form in Metadata.
func normalize(name string, p *Payload) (*store.CampaignRecord, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	status, err := parseStatus(p.Status)
	if err != nil {
		return nil, err
	}
	if p.StartTime == "" {
		return nil, fmt.Errorf("%w: missing start_time", ErrMalformed)
	}
	start, err := gatekeeper.ParseInstant(string(p.StartTime))
	if err != nil {
		return nil, fmt.Errorf("%w: start_time: %w", ErrMalformed, err)
	}
	var end gatekeeper.Instant
	if p.EndTime != "" {
		end, err = gatekeeper.ParseInstant(string(p.EndTime))
		if err != nil {
			return nil, fmt.Errorf("%w: end_time: %w", ErrMalformed, err)
		}
		if end.Before(start) {
			return nil, fmt.Errorf("%w: end_time %s before start_time %s", ErrMalformed, end, start)
		}
	}

	meta := map[string]string{}
	if p.Platform != "" {
		meta["platform"] = p.Platform
	}
	for k, d := range map[string]*decimal.Decimal{"hardcap": p.Hardcap, "softcap": p.Softcap, "raised": p.Raised} {
		if d != nil {
			meta[k] = d.String()
		}
	}
	var links map[string]string
	if len(p.Links) > 0 {
		links = make(map[string]string, len(p.Links))
		for k, v := range p.Links {
			links[k] = normalizeLink(v)
		}
	}
	if len(meta) == 0 {
		meta = nil
	}

	return &store.CampaignRecord{
		Campaign:  name,
		Status:    status,
		StartTime: start,
		EndTime:   end,
		Links:     links,
		Metadata:  meta,
	}, nil
}

// normalizeLink removes cosmetic differences (scheme and host case, default port, trailing slash) so they do not register as a change. The link stays usable; anything purell can't parse is kept as-is.
func normalizeLink(raw string) string {
	raw = strings.TrimSpace(raw)
	clean, err := purell.NormalizeURLString(raw, purell.FlagsUsuallySafeGreedy)
	if err != nil {
		return raw
	}
	return clean
}

// sameContent compares the externally sourced fields of two records.
func sameContent(a, b *store.CampaignRecord) bool {
	return a.Status == b.Status &&
		a.StartTime == b.StartTime &&
		a.EndTime == b.EndTime &&
		maps.Equal(a.Links, b.Links) &&
		maps.Equal(a.Metadata, b.Metadata)
}
