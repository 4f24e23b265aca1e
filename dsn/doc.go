// Package dsn turns a mail transport DSN into transport settings.
//
// A DSN has the generic URL shape
//
//	scheme://[user[:pass]@]host[:port][?key=value&...]
//
// where scheme is one of mail, sendmail, qmail, smtp or smtps. [Parse]
// decomposes the string into a [Config], [Config.Transport] resolves the
// scheme into one of the closed [Transport] variants and [Apply] writes the
// variant onto anything implementing [Mailer]. [Configure] runs all three.
//
// The package performs no I/O and keeps no state, so it is safe for
// concurrent use. Configuring the same [Mailer] from several goroutines is
// up to the caller to serialize.
package dsn
