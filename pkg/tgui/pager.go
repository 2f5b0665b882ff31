package tgui

import "fmt"

// Page describes one page of a list. Index is 0-based.
type Page struct {
	Index, Size, Total int
	From, To           int // items[From:To]
}

// Paginate clamps index into range and computes the bounds of that page.
func Paginate(total, index, size int) Page {
	if size <= 0 {
		size = 10
	}
	total = max(total, 0)
	pages := max(1, (total+size-1)/size)
	index = min(max(index, 0), pages-1)
	from := index * size
	return Page{Index: index, Size: size, Total: total, From: from, To: min(from+size, total)}
}

func (p Page) Pages() int { return max(1, (p.Total+p.Size-1)/p.Size) }

func (p Page) HasPrev() bool { return p.Index > 0 }

func (p Page) HasNext() bool { return p.To < p.Total }

// Label renders "Page 2/5 • 11–20 of 48".
func (p Page) Label() string {
	if p.Total == 0 {
		return "Page 1/1"
	}
	return fmt.Sprintf("Page %d/%d • %d–%d of %d", p.Index+1, p.Pages(), p.From+1, p.To, p.Total)
}
