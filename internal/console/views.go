package console

import (
	"fmt"
	"strconv"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/storage"
	"castbot/pkg/tgui"

	"github.com/dustin/go-humanize"
	tele "gopkg.in/telebot.v4"
)

type messageView = tgui.Message

const buttonFormatHint = "Send the button as <b>label - url</b>, for example:\n<code>Support - https://example.com/support</code>"

func countView(n int, sending bool) messageView {
	b := tgui.New().
		Title("👥", "Recipients").
		KV("Total", humanize.Comma(int64(n)))
	kb := tgui.NewInline()
	if sending {
		b.Blank().Line("A broadcast is in progress.")
	} else {
		kb.Row(tgui.Btn("📣 Mailing", tgui.Data(cbNamespace, actNew, "")))
	}
	kb.Row(tgui.Btn("📄 Export IDs", tgui.Data(cbNamespace, actExport, "")))
	return b.Inline(kb).Build()
}

func askBodyView() messageView {
	return tgui.New().
		Line("Send the message to broadcast. Text, or media with a caption.").
		Inline(tgui.NewInline().Row(cancelBtn())).
		Build()
}

func askButtonView() messageView {
	return tgui.New().RawLine(buttonFormatHint).Build()
}

func cancelBtn() tele.Btn { return tgui.Btn("✖️ Cancel", tgui.Data(cbNamespace, actCancel, "")) }

// composeKeyboard lists the draft's URL buttons, one per row, then the controls.
func composeKeyboard(d broadcast.Draft) *tgui.Inline {
	kb := tgui.NewInline()
	for _, b := range d.Buttons {
		kb.URL(b.Label, b.URL)
	}
	kb.Row(tgui.Btn("➕ Add button", tgui.Data(cbNamespace, actAdd, "")))
	kb.Row(tgui.Btn("🚀 Start", tgui.Data(cbNamespace, actConfirm, "")))
	kb.Row(cancelBtn())
	return kb
}

// previewView renders the body as plain text so it reads exactly as recipients will see it.
func previewView(d broadcast.Draft) messageView {
	return tgui.New().ParseMode("").DisablePreview(false).
		RawLine(d.Body).
		Inline(composeKeyboard(d)).
		Build()
}

// Estimate is the expected wall time of a run over n recipients.
func Estimate(n int, spacing time.Duration) time.Duration {
	if n <= 0 || spacing <= 0 {
		return 0
	}
	return (time.Duration(n) * spacing).Round(time.Second)
}

func estimateView(n int, spacing time.Duration) messageView {
	est := Estimate(n, spacing)
	eta := "under a second"
	if est > 0 {
		eta = est.String()
	}
	return tgui.New().
		Title("🚀", "Start broadcast?").
		KV("Recipients", humanize.Comma(int64(n))).
		KV("Estimated time", eta).
		Inline(tgui.YesNo(
			tgui.Btn("✅ Start", tgui.Data(cbNamespace, actStart, "")),
			cancelBtn(),
		)).
		Build()
}

func progressView(percent int) messageView {
	return tgui.New().Line(fmt.Sprintf("📤 Broadcast progress: %d%%", percent)).Build()
}

func reportView(rep broadcast.Report) messageView {
	title := "Broadcast finished"
	emoji := "✅"
	if rep.Cancelled {
		title, emoji = "Broadcast interrupted", "⚠️"
	}
	b := tgui.New().
		Title(emoji, title).
		KV("Total", humanize.Comma(int64(rep.Total))).
		KV("Delivered", humanize.Comma(int64(rep.Succeeded))).
		KV("Failed", humanize.Comma(int64(rep.Failed)))
	if rep.Skipped > 0 {
		b.KV("Not attempted", humanize.Comma(int64(rep.Skipped)))
	}
	if !rep.StartedAt.IsZero() && !rep.DoneAt.IsZero() {
		b.KV("Took", rep.DoneAt.Sub(rep.StartedAt).Round(time.Second).String())
	}
	return b.Build()
}

func runsView(runs []storage.RunRecord, index, size int) messageView {
	page := tgui.Paginate(len(runs), index, size)
	b := tgui.New().Title("🗂", "Recent broadcasts")
	if len(runs) == 0 {
		return b.Line("No broadcasts yet.").Build()
	}
	for _, r := range runs[page.From:page.To] {
		status := "done"
		if r.Cancelled {
			status = "interrupted"
		}
		b.Blank().
			Section(humanize.Time(r.DoneAt) + " • " + status).
			Line(fmt.Sprintf("%s delivered, %s failed of %s",
				humanize.Comma(int64(r.Succeeded)), humanize.Comma(int64(r.Failed)), humanize.Comma(int64(r.Total))))
		if r.BodyPreview != "" {
			b.HTML(tgui.I(tgui.TruncRunes(r.BodyPreview, 60)))
		}
	}
	b.Blank().Line(page.Label())

	if page.HasPrev() || page.HasNext() {
		var nav []tele.Btn
		if page.HasPrev() {
			nav = append(nav, tgui.Btn("◀️", tgui.Data(cbNamespace, actRuns, strconv.Itoa(page.Index-1))))
		}
		if page.HasNext() {
			nav = append(nav, tgui.Btn("▶️", tgui.Data(cbNamespace, actRuns, strconv.Itoa(page.Index+1))))
		}
		b.Inline(tgui.NewInline().Row(nav...))
	}
	return b.Build()
}

func statusView(st broadcast.JobStatus, now time.Time) messageView {
	return tgui.New().
		Title("📡", "Broadcast in progress").
		KV("Progress", fmt.Sprintf("%d%%", st.Percent)).
		KV("Sent", fmt.Sprintf("%s of %s", humanize.Comma(int64(st.Attempted)), humanize.Comma(int64(st.Total)))).
		KV("Delivered", humanize.Comma(int64(st.Succeeded))).
		KV("Failed", humanize.Comma(int64(st.Failed))).
		KV("Started", humanize.RelTime(st.StartedAt, now, "ago", "from now")).
		Build()
}
