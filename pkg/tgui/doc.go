// Package tgui holds helpers for composing Telegram HTML messages: escaped
// fragments, links, money and date formatting, and rune-safe truncation.
package tgui
