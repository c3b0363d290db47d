// Package mqtt publishes Hearth's operational state to an MQTT broker as
// Home Assistant discovery sensors: uptime, version, session count,
// pending reminders, live greeting tasks, and generation activity.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for each
// sensor and a birth message ("online") to the availability topic. A
// will message moves the availability topic to "offline" on unexpected
// disconnects.
package mqtt
