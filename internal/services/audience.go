// Package services – AudienceResolver
//
// The resolver turns stored quiz responses into the frozen recipient list of
// a campaign. Raw payloads come in two shapes (an array of
// {elementId, answer} pairs or a flat object) and are normalized here into a
// single map[string]string; nothing downstream branches on payload shape.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"gorm.io/gorm"

	"github.com/tbourn/go-campaign-dispatch/internal/domain"
	"github.com/tbourn/go-campaign-dispatch/internal/repo"
)

// QuizStore is the read contract of the external quiz store.
type QuizStore interface {
	QuizExists(ctx context.Context, quizID string) (bool, error)
	GetResponses(ctx context.Context, quizID string) ([]domain.QuizResponse, error)
}

// GormQuizStore reads quizzes and responses from the local read model.
type GormQuizStore struct {
	DB *gorm.DB
}

// QuizExists implements QuizStore.
func (s GormQuizStore) QuizExists(ctx context.Context, quizID string) (bool, error) {
	return repo.QuizExists(ctx, s.DB, quizID)
}

// GetResponses implements QuizStore.
func (s GormQuizStore) GetResponses(ctx context.Context, quizID string) ([]domain.QuizResponse, error) {
	return repo.ListResponses(ctx, s.DB, quizID)
}

// Recipient is one resolved audience member.
type Recipient struct {
	Contact     string
	OutcomeType domain.OutcomeType
	Vars        map[string]string
	SubmittedAt time.Time
	complete    bool
}

var (
	phoneKeys = []string{"phone", "telefone", "celular", "whatsapp", "mobile", "phone_number", "tel"}
	emailKeys = []string{"email", "e-mail", "mail", "email_address"}
)

// AudienceResolver resolves an AudienceFilter against a QuizStore.
type AudienceResolver struct {
	Store              QuizStore
	DefaultCountryCode string
}

// Resolve returns the recipients matching f in first-submission order,
// deduplicated by normalized contact, plus what was dropped and why.
func (r *AudienceResolver) Resolve(ctx context.Context, quizID string, ch domain.Channel, f domain.AudienceFilter) ([]Recipient, domain.ResolutionStats, error) {
	ctx, span := otel.Tracer("services/AudienceResolver").Start(ctx, "Resolve",
		trace.WithAttributes(
			attribute.String("quiz.id", quizID),
			attribute.String("channel", string(ch)),
			attribute.String("segment", string(f.Segment)),
		),
	)
	defer span.End()

	var stats domain.ResolutionStats
	ok, err := r.Store.QuizExists(ctx, quizID)
	if err != nil {
		return nil, stats, internal("quiz lookup", err)
	}
	if !ok {
		return nil, stats, ErrQuizNotFound
	}
	responses, err := r.Store.GetResponses(ctx, quizID)
	if err != nil {
		return nil, stats, internal("quiz responses", err)
	}
	sort.SliceStable(responses, func(i, j int) bool {
		return responses[i].SubmittedAt.Before(responses[j].SubmittedAt)
	})

	fold := cases.Fold()
	wantValue := fold.String(strings.TrimSpace(f.ResponseValue))
	field := strings.TrimSpace(f.ResponseField)

	var (
		out   []Recipient
		index = map[string]int{}
	)
	for _, resp := range responses {
		stats.Total++
		if !matchesSegment(f.Segment, resp.IsComplete) || !withinDates(resp.SubmittedAt, f.DateFrom, f.DateTo) {
			stats.FilteredOut++
			continue
		}
		vars := NormalizeFields(resp.Payload)
		if field != "" {
			got, ok := lookupField(vars, field)
			if !ok || fold.String(strings.TrimSpace(got)) != wantValue {
				stats.FilteredOut++
				continue
			}
		}

		raw := contactField(vars, ch)
		if raw == "" {
			stats.MissingContact++
			continue
		}
		contact, valid := NormalizeContact(ch, raw, r.DefaultCountryCode)
		if !valid {
			stats.InvalidContact++
			continue
		}

		rec := Recipient{
			Contact:     contact,
			OutcomeType: outcomeOf(resp.IsComplete),
			Vars:        vars,
			SubmittedAt: resp.SubmittedAt,
			complete:    resp.IsComplete,
		}
		if i, dup := index[contact]; dup {
			stats.Duplicates++
			if preferred(rec, out[i]) {
				out[i] = rec
			}
			continue
		}
		index[contact] = len(out)
		out = append(out, rec)
	}
	stats.Matched = len(out)
	span.SetAttributes(attribute.Int("audience.size", stats.Matched))
	return out, stats, nil
}

// preferred reports whether a should replace b: the most complete record
// wins, ties go to the most recent submission.
func preferred(a, b Recipient) bool {
	if a.complete != b.complete {
		return a.complete
	}
	return a.SubmittedAt.After(b.SubmittedAt)
}

func outcomeOf(complete bool) domain.OutcomeType {
	if complete {
		return domain.OutcomeCompleted
	}
	return domain.OutcomeAbandoned
}

func matchesSegment(s domain.Segment, complete bool) bool {
	switch s {
	case domain.SegmentCompleted:
		return complete
	case domain.SegmentAbandoned:
		return !complete
	default:
		return true
	}
}

func withinDates(at time.Time, from, to *time.Time) bool {
	if from != nil && at.Before(*from) {
		return false
	}
	if to != nil && at.After(*to) {
		return false
	}
	return true
}

func lookupField(vars map[string]string, name string) (string, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}
	v, ok := vars[strings.ToLower(name)]
	return v, ok
}

func contactField(vars map[string]string, ch domain.Channel) string {
	keys := phoneKeys
	if ch.ContactKind() == "email" {
		keys = emailKeys
	}
	for _, k := range keys {
		if v := strings.TrimSpace(vars[k]); v != "" {
			return v
		}
	}
	return ""
}

// NormalizeFields flattens a raw response payload into a variable map. Both
// [{"elementId": ..., "answer": ...}] arrays and flat objects are accepted;
// non-string answers are stringified. Every key is also reachable in lower
// case.
func NormalizeFields(payload []byte) map[string]string {
	out := map[string]string{}
	if len(bytes.TrimSpace(payload)) == 0 {
		return out
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return out
	}

	put := func(k string, val any) {
		k = strings.TrimSpace(k)
		if k == "" {
			return
		}
		out[k] = stringify(val)
	}

	switch t := v.(type) {
	case []any:
		for _, el := range t {
			m, ok := el.(map[string]any)
			if !ok {
				continue
			}
			put(firstString(m, "elementId", "element_id", "field", "name", "id"), firstValue(m, "answer", "value"))
		}
	case map[string]any:
		for k, val := range t {
			put(k, val)
		}
	}

	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if lk := strings.ToLower(k); lk != k {
			if _, taken := out[lk]; !taken {
				out[lk] = out[k]
			}
		}
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return stringify(v)
		}
	}
	return ""
}

func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, stringify(p))
		}
		return strings.Join(parts, ", ")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// NormalizeContact normalizes raw for the contact kind of ch.
func NormalizeContact(ch domain.Channel, raw, defaultCountryCode string) (string, bool) {
	if ch.ContactKind() == "email" {
		return NormalizeEmail(raw)
	}
	return NormalizePhone(raw, defaultCountryCode)
}

// NormalizePhone reduces raw to digits in international form. "+" and "00"
// prefixes mark international numbers; national numbers lose a trunk 0 and
// gain defaultCountryCode when they have 10 or 11 digits. Valid results
// have 10 to 15 digits.
func NormalizePhone(raw, defaultCountryCode string) (string, bool) {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	international := strings.HasPrefix(raw, "+")
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
		international = true
	}
	if !international {
		if strings.HasPrefix(digits, "0") {
			digits = digits[1:]
		}
		if n := len(digits); (n == 10 || n == 11) && defaultCountryCode != "" {
			digits = defaultCountryCode + digits
		}
	}
	if n := len(digits); n < 10 || n > 15 {
		return "", false
	}
	return digits, true
}

// NormalizeEmail trims and lower-cases raw and accepts bare addresses only.
func NormalizeEmail(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", false
	}
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || !strings.Contains(s[at+1:], ".") {
		return "", false
	}
	return s, true
}
