package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

// DateLayout renders dates the way the portal displays them (dd/mm/yyyy).
const DateLayout = "02/01/2006"

const (
	notSpecified = "Non spécifiée"
	noPromoCode  = "Aucun"
)

var (
	eventReminderTmpl = template.Must(template.New("event_reminder").Parse(`
<h2>Rappel d'événement</h2>
<p>Bonjour,</p>
<p>Vous avez demandé une notification pour l'événement <strong>{{.Name}}</strong>.</p>
<p><strong>Date:</strong> {{.Date}}</p>
<p><strong>Lieu:</strong> {{.Location}}</p>
<p><strong>Heure:</strong> {{.StartTime}} - {{.EndTime}}</p>
<p>Préparez-vous à profiter de cet événement !</p>
<p>Cordialement,<br>L'équipe de gestion des événements</p>
`))

	promotionReminderTmpl = template.Must(template.New("promotion_reminder").Parse(`
<h2>Rappel de promotion</h2>
<p>Bonjour,</p>
<p>La promotion <strong>{{.Name}}</strong> expire demain.</p>
<p>Profitez-en avant qu'il ne soit trop tard !</p>
<p>Fin prévue : {{.Date}}</p>
<p>Code promo : {{.Code}}</p>
<br>
<p>À bientôt !<br>L'équipe du portail de Sfax</p>
`))

	promotionConfirmationTmpl = template.Must(template.New("promotion_confirmation").Parse(`
<h2>Inscription confirmée</h2>
<p>Bonjour,</p>
<p>Vous êtes inscrit pour recevoir un rappel pour la promotion <strong>{{.Name}}</strong>.</p>
<p>Un e-mail de rappel vous sera envoyé un jour avant l'expiration de la promotion, prévue pour le <strong>{{.Date}}</strong>.</p>
<p>Code promo : {{.Code}}</p>
<br>
<p>À bientôt !<br>L'équipe du portail de Sfax</p>
`))
)

// EventReminder describes the event a subscriber asked to be reminded of.
type EventReminder struct {
	Name      string
	Date      time.Time
	Location  string
	StartTime string
	EndTime   string
}

// PromotionNotice describes a promotion for reminder and confirmation mail.
type PromotionNotice struct {
	Name   string
	EndsAt time.Time
	Code   string
}

type templateData struct {
	Name      string
	Date      string
	Location  string
	StartTime string
	EndTime   string
	Code      string
}

// Composer renders reminder mail with dates in a fixed display zone.
type Composer struct {
	loc *time.Location
}

func NewComposer(loc *time.Location) *Composer {
	if loc == nil {
		loc = time.UTC
	}
	return &Composer{loc: loc}
}

// FormatDate renders t as dd/mm/yyyy in the composer's zone.
func (c *Composer) FormatDate(t time.Time) string {
	return t.In(c.loc).Format(DateLayout)
}

func (c *Composer) EventReminder(to string, e EventReminder) (Message, error) {
	data := templateData{
		Name:      e.Name,
		Date:      c.FormatDate(e.Date),
		Location:  e.Location,
		StartTime: orDefault(e.StartTime, notSpecified),
		EndTime:   orDefault(e.EndTime, notSpecified),
	}
	return render(to, fmt.Sprintf("Rappel : %s arrive bientôt !", e.Name), eventReminderTmpl, data)
}

func (c *Composer) PromotionReminder(to string, p PromotionNotice) (Message, error) {
	data := templateData{
		Name: p.Name,
		Date: c.FormatDate(p.EndsAt),
		Code: orDefault(p.Code, noPromoCode),
	}
	return render(to, fmt.Sprintf("🎉 Rappel : La promotion \"%s\" expire demain !", p.Name), promotionReminderTmpl, data)
}

func (c *Composer) PromotionConfirmation(to string, p PromotionNotice) (Message, error) {
	data := templateData{
		Name: p.Name,
		Date: c.FormatDate(p.EndsAt),
		Code: orDefault(p.Code, noPromoCode),
	}
	return render(to, fmt.Sprintf("Confirmation d'inscription pour la promotion \"%s\"", p.Name), promotionConfirmationTmpl, data)
}

func render(to, subject string, tmpl *template.Template, data templateData) (Message, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return Message{To: to, Subject: subject, HTML: buf.String()}, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
