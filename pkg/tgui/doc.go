// Package tgui holds the Telegram UI pieces of the console: inline keyboards,
// "namespace:action:payload" callback data, paging and an HTML-escaping
// message builder.
package tgui
