// Package logx is castbot's structured logger, a thin layer over zerolog.
//
// Console output is human readable, the file sink writes JSON lines and the
// optional Telegram sink batches warnings into an operator chat. Loggers
// created from a Service follow its level and sinks across Apply calls.
package logx
