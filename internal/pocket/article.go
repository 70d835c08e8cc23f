package pocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Article is one saved item returned by the list call.
type Article struct {
	ItemID string
	Title  string
	URL    string
	SortID int
}

// ItemID decodes an identifier sent either as a JSON string or a number.
type ItemID string

func (id *ItemID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ItemID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("item_id: %w", err)
	}
	*id = ItemID(n.String())
	return nil
}

type rawArticle struct {
	ItemID        ItemID `json:"item_id"`
	ResolvedTitle string `json:"resolved_title"`
	GivenTitle    string `json:"given_title"`
	ResolvedURL   string `json:"resolved_url"`
	GivenURL      string `json:"given_url"`
	SortID        *int   `json:"sort_id"`
}

func (r rawArticle) article() Article {
	a := Article{
		ItemID: string(r.ItemID),
		Title:  r.ResolvedTitle,
		URL:    r.ResolvedURL,
		SortID: -1,
	}
	if a.Title == "" {
		a.Title = r.GivenTitle
	}
	if a.URL == "" {
		a.URL = r.GivenURL
	}
	if r.SortID != nil {
		a.SortID = *r.SortID
	}
	return a
}

// normalizeList turns the "list" field of a /get response into a slice.
// Pocket sends a mapping of item id to article when there are results and
// sometimes a sequence; mappings are ordered by sort_id, then by numeric item
// id. Sequences keep their order. Anything else is rejected.
func normalizeList(raw json.RawMessage) ([]Article, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing list", ErrUnexpectedResponseShape)
	}

	switch raw[0] {
	case '[':
		var items []rawArticle
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnexpectedResponseShape, err)
		}
		articles := make([]Article, 0, len(items))
		for _, item := range items {
			articles = append(articles, item.article())
		}
		return articles, nil

	case '{':
		var items map[string]rawArticle
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnexpectedResponseShape, err)
		}
		articles := make([]Article, 0, len(items))
		for key, item := range items {
			if item.ItemID == "" {
				item.ItemID = ItemID(key)
			}
			articles = append(articles, item.article())
		}
		sort.Slice(articles, func(i, j int) bool {
			return articleLess(articles[i], articles[j])
		})
		return articles, nil

	default:
		return nil, fmt.Errorf("%w: list is %s", ErrUnexpectedResponseShape, describeJSON(raw))
	}
}

// articleLess orders by sort_id (missing last), then numeric item id.
func articleLess(a, b Article) bool {
	if a.SortID != b.SortID {
		if a.SortID < 0 {
			return false
		}
		if b.SortID < 0 {
			return true
		}
		return a.SortID < b.SortID
	}

	ai, aErr := strconv.ParseInt(a.ItemID, 10, 64)
	bi, bErr := strconv.ParseInt(b.ItemID, 10, 64)
	if aErr == nil && bErr == nil {
		return ai < bi
	}
	return a.ItemID < b.ItemID
}

func describeJSON(raw []byte) string {
	switch {
	case bytes.Equal(raw, []byte("null")):
		return "null"
	case raw[0] == '"':
		return "a string"
	case bytes.Equal(raw, []byte("true")), bytes.Equal(raw, []byte("false")):
		return "a boolean"
	default:
		return "a number"
	}
}
