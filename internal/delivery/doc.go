// Package delivery holds the notify.Deliverer implementations: SMTP
// e-mail, Twilio SMS and WhatsApp, a logging deliverer for development,
// and Multi, which routes each message by its channel.
package delivery
