package tgui

import tele "gopkg.in/telebot.v4"

// Inline collects inline keyboard rows; Markup renders them.
type Inline struct {
	rows [][]tele.Btn
}

func NewInline() *Inline { return &Inline{} }

// Row appends one row; empty rows are skipped.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	if len(btn) > 0 {
		i.rows = append(i.rows, btn)
	}
	return i
}

// URL appends a row holding a single link button.
func (i *Inline) URL(text, url string) *Inline { return i.Row(URLBtn(text, url)) }

func (i *Inline) Len() int { return len(i.rows) }

func (i *Inline) Markup() *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rows := make([]tele.Row, len(i.rows))
	for n, r := range i.rows {
		rows[n] = rm.Row(r...)
	}
	rm.Inline(rows...)
	return rm
}

// YesNo is a single row with the affirmative button first.
func YesNo(yes, no tele.Btn) *Inline { return NewInline().Row(yes, no) }

// Btn is a callback button; build data with Data.
func Btn(text, data string) tele.Btn { return tele.Btn{Text: text, Data: data} }

func URLBtn(text, url string) tele.Btn { return tele.Btn{Text: text, URL: url} }
