// Package mail validates outbound message requests, renders optional
// templates and hands messages to a delivery transport (SMTP via gomail or
// AWS SES), either synchronously with in-line retries or through a bounded
// background queue with scheduled retries.
package mail
