package normalize

import (
	"encoding/json"
	"testing"
)

func TestNormalize_Slack(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"ok": true,
		"members": [{"id": "U1"}, {"id": "U2"}],
		"response_metadata": {"next_cursor": "dXNlcjpVMg=="}
	}`)

	p, ok := Normalize("slack", body)
	if !ok {
		t.Fatal("slack members list should normalize")
	}
	if len(p.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(p.Items))
	}
	if p.Meta.NextCursor != "dXNlcjpVMg==" {
		t.Errorf("nextCursor = %q", p.Meta.NextCursor)
	}
	if p.Meta.CursorParam != "cursor" {
		t.Errorf("cursorParam = %q, want cursor", p.Meta.CursorParam)
	}
	if !p.Meta.HasMore {
		t.Error("hasMore should be true")
	}
}

func TestNormalize_SlackLastPage(t *testing.T) {
	t.Parallel()

	body := []byte(`{"ok": true, "channels": [{"id": "C1"}], "response_metadata": {"next_cursor": ""}}`)

	p, ok := Normalize("slack", body)
	if !ok {
		t.Fatal("slack channels list should normalize")
	}
	if p.Meta.HasMore || p.Meta.NextCursor != "" {
		t.Errorf("empty next_cursor should terminate, got %+v", p.Meta)
	}
}

func TestNormalize_SlackFilePaging(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"ok": true,
		"files": [{"id": "F1"}],
		"paging": {"count": 100, "total": 295, "page": 1, "pages": 3}
	}`)

	p, ok := Normalize("slack", body)
	if !ok {
		t.Fatal("slack files list should normalize")
	}
	if p.Meta.NextCursor != "2" || p.Meta.CursorParam != "page" {
		t.Errorf("cursor = %q/%q, want 2/page", p.Meta.NextCursor, p.Meta.CursorParam)
	}
	if p.Meta.Total != 295 {
		t.Errorf("total = %d, want 295", p.Meta.Total)
	}

	last := []byte(`{"ok": true, "files": [{"id": "F9"}], "paging": {"page": 3, "pages": 3}}`)
	p, _ = Normalize("slack", last)
	if p.Meta.HasMore {
		t.Error("final page should terminate")
	}
}

func TestNormalize_Stripe(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"object": "list",
		"data": [{"id": "ch_a"}, {"id": "ch_b"}],
		"has_more": true
	}`)

	p, ok := Normalize("stripe", body)
	if !ok {
		t.Fatal("stripe list should normalize")
	}
	if p.Meta.NextCursor != "ch_b" {
		t.Errorf("nextCursor = %q, want ch_b", p.Meta.NextCursor)
	}
	if p.Meta.CursorParam != "starting_after" {
		t.Errorf("cursorParam = %q, want starting_after", p.Meta.CursorParam)
	}

	done := []byte(`{"object": "list", "data": [{"id": "ch_c"}], "has_more": false}`)
	p, _ = Normalize("stripe", done)
	if p.Meta.HasMore || p.Meta.NextCursor != "" {
		t.Errorf("has_more=false should terminate, got %+v", p.Meta)
	}
}

func TestNormalize_HubSpot(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"results": [{"id": "1"}],
		"paging": {"next": {"after": "NTI1Cg", "link": "https://api.hubapi.com/..."}}
	}`)

	p, ok := Normalize("hubspot", body)
	if !ok {
		t.Fatal("hubspot list should normalize")
	}
	if p.Meta.NextCursor != "NTI1Cg" || p.Meta.CursorParam != "after" {
		t.Errorf("cursor = %q/%q, want NTI1Cg/after", p.Meta.NextCursor, p.Meta.CursorParam)
	}
}

func TestNormalize_GitHubBareArray(t *testing.T) {
	t.Parallel()

	body := []byte(`[{"id": 1, "name": "repo-a"}, {"id": 2, "name": "repo-b"}]`)

	p, ok := Normalize("github", body)
	if !ok {
		t.Fatal("bare array should normalize")
	}
	if len(p.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(p.Items))
	}
	if p.Meta.HasMore {
		t.Error("bare array has no cursor")
	}
}

func TestNormalize_Zendesk(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"tickets": [{"id": 35436}],
		"count": 1234,
		"next_page": "https://corp.zendesk.com/api/v2/tickets.json?page=2"
	}`)

	p, ok := Normalize("zendesk", body)
	if !ok {
		t.Fatal("zendesk list should normalize")
	}
	if p.Meta.NextCursor != "2" || p.Meta.CursorParam != "page" {
		t.Errorf("cursor = %q/%q, want 2/page", p.Meta.NextCursor, p.Meta.CursorParam)
	}
	if p.Meta.NextURL == "" {
		t.Error("next_page URL should be kept")
	}
	if p.Meta.Total != 1234 {
		t.Errorf("total = %d, want 1234", p.Meta.Total)
	}
}

func TestNormalize_Typeform(t *testing.T) {
	t.Parallel()

	body := []byte(`{"items": [{"id": "abc"}], "total_items": 215, "page_count": 22}`)

	p, ok := Normalize("typeform", body)
	if !ok {
		t.Fatal("typeform list should normalize")
	}
	if p.Meta.Total != 215 {
		t.Errorf("total = %d, want 215", p.Meta.Total)
	}
	if p.Meta.HasMore {
		t.Error("typeform carries no cursor")
	}
}

func TestNormalize_Google(t *testing.T) {
	t.Parallel()

	drive := []byte(`{"kind": "drive#fileList", "files": [{"id": "f1"}], "nextPageToken": "tok123"}`)
	p, ok := Normalize("google-drive", drive)
	if !ok {
		t.Fatal("drive list should normalize")
	}
	if p.Meta.NextCursor != "tok123" || p.Meta.CursorParam != "pageToken" {
		t.Errorf("cursor = %q/%q, want tok123/pageToken", p.Meta.NextCursor, p.Meta.CursorParam)
	}

	calendar := []byte(`{"kind": "calendar#events", "items": [{"id": "e1"}], "nextPageToken": "tok456"}`)
	p, ok = Normalize("google-calendar", calendar)
	if !ok {
		t.Fatal("calendar list should normalize")
	}
	if p.Meta.NextCursor != "tok456" {
		t.Errorf("nextCursor = %q, want tok456", p.Meta.NextCursor)
	}
}

func TestNormalize_Dropbox(t *testing.T) {
	t.Parallel()

	body := []byte(`{"entries": [{"name": "a.txt"}], "cursor": "AAQ", "has_more": true}`)

	p, ok := Normalize("dropbox", body)
	if !ok {
		t.Fatal("dropbox list should normalize")
	}
	if p.Meta.NextCursor != "AAQ" || p.Meta.CursorParam != "cursor" {
		t.Errorf("cursor = %q/%q, want AAQ/cursor", p.Meta.NextCursor, p.Meta.CursorParam)
	}

	done := []byte(`{"entries": [{"name": "b.txt"}], "cursor": "AAR", "has_more": false}`)
	p, _ = Normalize("dropbox", done)
	if p.Meta.HasMore {
		t.Error("has_more=false should terminate")
	}
	if p.Meta.Cursor != "AAR" {
		t.Errorf("vendor cursor = %q, want AAR", p.Meta.Cursor)
	}
}

func TestNormalize_Dataverse(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"value": [{"accountid": "x"}],
		"@odata.nextLink": "https://org.crm.dynamics.com/api/data/v9.2/accounts?$skiptoken=%3Ccookie%20page=%222%22%3E"
	}`)

	p, ok := Normalize("ms-dataverse", body)
	if !ok {
		t.Fatal("dataverse list should normalize")
	}
	if p.Meta.NextCursor == "" || p.Meta.CursorParam != "$skiptoken" {
		t.Errorf("cursor = %q/%q, want skiptoken", p.Meta.NextCursor, p.Meta.CursorParam)
	}
	if p.Meta.NextURL == "" {
		t.Error("nextLink should be kept")
	}
}

func TestNormalize_GenericFallbacks(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"items", "results", "data"} {
		body := []byte(`{"` + key + `": [{"id": 1}]}`)
		p, ok := Normalize("acme", body)
		if !ok {
			t.Fatalf("generic %s array should normalize", key)
		}
		if len(p.Items) != 1 {
			t.Errorf("%s items = %d, want 1", key, len(p.Items))
		}
	}
}

func TestNormalize_NotAList(t *testing.T) {
	t.Parallel()

	if _, ok := Normalize("acme", []byte(`{"id": "u1", "name": "single"}`)); ok {
		t.Error("single object should not normalize")
	}
	if _, ok := Normalize("acme", []byte(`not json`)); ok {
		t.Error("invalid JSON should not normalize")
	}
}

func TestNormalize_ShapeWithoutHint(t *testing.T) {
	t.Parallel()

	// No known connector id: the shape chain still recognizes the vendor.
	body := []byte(`{"data": [{"id": "ch_a"}], "has_more": true}`)
	p, ok := Normalize("custom-billing", body)
	if !ok {
		t.Fatal("stripe-shaped body should normalize by shape")
	}
	if p.Meta.CursorParam != "starting_after" {
		t.Errorf("cursorParam = %q, want starting_after", p.Meta.CursorParam)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"ok": true,
		"members": [{"id": "U1"}],
		"response_metadata": {"next_cursor": "abc"}
	}`)

	p1, ok := Normalize("slack", body)
	if !ok {
		t.Fatal("first pass should normalize")
	}
	again, err := json.Marshal(p1)
	if err != nil {
		t.Fatal(err)
	}

	p2, ok := Normalize("slack", again)
	if !ok {
		t.Fatal("normalized body should map to itself")
	}
	if len(p2.Items) != len(p1.Items) {
		t.Errorf("items = %d, want %d", len(p2.Items), len(p1.Items))
	}
	if p2.Meta != p1.Meta {
		t.Errorf("meta = %+v, want %+v", p2.Meta, p1.Meta)
	}
}

func TestNextCursor_Precedence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantCursor string
		wantParam  string
	}{
		{
			name:       "next_cursor wins",
			body:       `{"next_cursor": "a", "response_metadata": {"next_cursor": "b"}, "next": "https://x?cursor=c"}`,
			wantCursor: "a",
			wantParam:  "cursor",
		},
		{
			name:       "response_metadata second",
			body:       `{"response_metadata": {"next_cursor": "b"}, "next": "https://x?cursor=c"}`,
			wantCursor: "b",
			wantParam:  "cursor",
		},
		{
			name:       "next url third",
			body:       `{"next": "https://api.example.com/list?page=4&per_page=50"}`,
			wantCursor: "4",
			wantParam:  "page",
		},
		{
			name:       "stripe fallback last",
			body:       `{"data": [{"id": "ch_1"}, {"id": "ch_2"}], "has_more": true}`,
			wantCursor: "ch_2",
			wantParam:  "starting_after",
		},
		{
			name:       "nothing",
			body:       `{"data": [{"id": "ch_1"}], "has_more": false}`,
			wantCursor: "",
			wantParam:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cursor, param := NextCursor([]byte(tt.body))
			if cursor != tt.wantCursor || param != tt.wantParam {
				t.Errorf("NextCursor = %q/%q, want %q/%q", cursor, param, tt.wantCursor, tt.wantParam)
			}
		})
	}
}

func TestNormalize_ItemsPreserved(t *testing.T) {
	t.Parallel()

	body := []byte(`{"data": [{"id": "ch_a", "amount": 1200, "nested": {"k": [1, 2]}}], "has_more": false}`)
	p, ok := Normalize("stripe", body)
	if !ok {
		t.Fatal("should normalize")
	}

	var item struct {
		ID     string `json:"id"`
		Amount int    `json:"amount"`
	}
	if err := json.Unmarshal(p.Items[0], &item); err != nil {
		t.Fatal(err)
	}
	if item.ID != "ch_a" || item.Amount != 1200 {
		t.Errorf("item = %+v", item)
	}
}
