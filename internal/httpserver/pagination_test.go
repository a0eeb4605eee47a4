package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseOffsetParams(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantPage   int
		wantLimit  int
		wantOffset int
		wantErr    bool
	}{
		{
			name:       "defaults",
			query:      "",
			wantPage:   1,
			wantLimit:  DefaultPageSize,
			wantOffset: 0,
		},
		{
			name:       "custom page and limit",
			query:      "page=3&limit=10",
			wantPage:   3,
			wantLimit:  10,
			wantOffset: 20,
		},
		{
			name:      "limit at max",
			query:     "limit=1000",
			wantLimit: MaxPageSize,
			wantPage:  1,
		},
		{
			name:    "limit over max rejected",
			query:   "limit=1001",
			wantErr: true,
		},
		{
			name:    "negative page",
			query:   "page=-1",
			wantErr: true,
		},
		{
			name:    "zero page",
			query:   "page=0",
			wantErr: true,
		},
		{
			name:    "negative limit",
			query:   "limit=-1",
			wantErr: true,
		},
		{
			name:    "non-numeric limit",
			query:   "limit=abc",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			p, err := ParseOffsetParams(r)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseOffsetParams() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if p.Page != tt.wantPage {
				t.Errorf("Page = %d, want %d", p.Page, tt.wantPage)
			}
			if p.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", p.Limit, tt.wantLimit)
			}
			if p.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d", p.Offset, tt.wantOffset)
			}
		})
	}
}

func TestNewOffsetPage(t *testing.T) {
	type item struct{ Name string }

	tests := []struct {
		name           string
		itemCount      int
		params         OffsetParams
		totalItems     int
		wantTotalPages int
		wantHasNext    bool
		wantHasPrev    bool
	}{
		{
			name:           "first of multiple pages",
			itemCount:      10,
			params:         OffsetParams{Page: 1, Limit: 10},
			totalItems:     25,
			wantTotalPages: 3,
			wantHasNext:    true,
			wantHasPrev:    false,
		},
		{
			name:           "middle page",
			itemCount:      10,
			params:         OffsetParams{Page: 2, Limit: 10},
			totalItems:     25,
			wantTotalPages: 3,
			wantHasNext:    true,
			wantHasPrev:    true,
		},
		{
			name:           "single page",
			itemCount:      3,
			params:         OffsetParams{Page: 1, Limit: 10},
			totalItems:     3,
			wantTotalPages: 1,
			wantHasNext:    false,
			wantHasPrev:    false,
		},
		{
			name:           "exact fit",
			itemCount:      10,
			params:         OffsetParams{Page: 1, Limit: 10},
			totalItems:     10,
			wantTotalPages: 1,
		},
		{
			name:           "empty",
			itemCount:      0,
			params:         OffsetParams{Page: 1, Limit: 10},
			totalItems:     0,
			wantTotalPages: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := make([]item, tt.itemCount)
			page := NewOffsetPage(items, tt.params, tt.totalItems)

			if len(page.Items) != tt.itemCount {
				t.Errorf("Items length = %d, want %d", len(page.Items), tt.itemCount)
			}
			if page.TotalPages != tt.wantTotalPages {
				t.Errorf("TotalPages = %d, want %d", page.TotalPages, tt.wantTotalPages)
			}
			if page.TotalItems != tt.totalItems {
				t.Errorf("TotalItems = %d, want %d", page.TotalItems, tt.totalItems)
			}
			if page.HasNext != tt.wantHasNext {
				t.Errorf("HasNext = %v, want %v", page.HasNext, tt.wantHasNext)
			}
			if page.HasPrev != tt.wantHasPrev {
				t.Errorf("HasPrev = %v, want %v", page.HasPrev, tt.wantHasPrev)
			}
		})
	}
}
