package notify

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	keyDefaultTitle   = "notification.default.title"
	keyDefaultBody    = "notification.default.body"
	keyReplayTitle    = "notification.replay_delivered.title"
	keyReplayBody     = "notification.replay_delivered.body"
	keyAbandonedTitle = "notification.replay_abandoned.title"
	keyAbandonedBody  = "notification.replay_abandoned.body"

	defaultTitle = "New notification"
	defaultBody  = "You have a new update."
)

func init() {
	en := language.English
	message.SetString(en, keyDefaultTitle, defaultTitle)
	message.SetString(en, keyDefaultBody, defaultBody)
	message.SetString(en, keyReplayTitle, "Booking Confirmed!")
	message.SetString(en, keyReplayBody, "Your request was sent once you were back online.")
	message.SetString(en, keyAbandonedTitle, "Request not sent")
	message.SetString(en, keyAbandonedBody, "A request saved while offline could not be delivered: %s.")

	pt := language.BrazilianPortuguese
	message.SetString(pt, keyDefaultTitle, "Nova notificação")
	message.SetString(pt, keyDefaultBody, "Você tem uma nova atualização.")
	message.SetString(pt, keyReplayTitle, "Reserva confirmada!")
	message.SetString(pt, keyReplayBody, "Sua solicitação foi enviada quando você voltou a ficar online.")
	message.SetString(pt, keyAbandonedTitle, "Solicitação não enviada")
	message.SetString(pt, keyAbandonedBody, "Uma solicitação salva offline não pôde ser entregue: %s.")
}

// printer is the subset of *message.Printer the dispatcher uses.
type printer interface {
	Sprintf(key message.Reference, args ...any) string
}

// localize falls back when the catalog has no entry for key.
func localize(p printer, key, fallback string, args ...any) string {
	s := p.Sprintf(key, args...)
	if s == "" || s == key {
		return fallback
	}
	return s
}
