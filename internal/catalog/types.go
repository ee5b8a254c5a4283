package catalog

import "encoding/json"

// Dataset is one record of the metastore catalog.
type Dataset struct {
	Identifier    string         `json:"identifier"`
	Title         string         `json:"title"`
	Modified      string         `json:"modified"`
	Distributions []Distribution `json:"distribution"`
	Themes        Tags           `json:"theme"`
	Keywords      Tags           `json:"keyword"`
}

// UnmarshalJSON defaults an empty title to the identifier.
func (d *Dataset) UnmarshalJSON(b []byte) error {
	type raw Dataset
	var r raw
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	*d = Dataset(r)
	if d.Title == "" {
		d.Title = d.Identifier
	}
	return nil
}

type Distribution struct {
	MediaType   string `json:"mediaType"`
	DownloadURL string `json:"downloadURL"`
	Format      string `json:"format"`
}

// Tags puede venir como:
// - ["Hospitals", "Quality"] (array de strings)
// - cualquier otra cosa -> lista vacía
// Elements that are not strings are ignored.
type Tags []string

func (t *Tags) UnmarshalJSON(b []byte) error {
	*t = nil
	if len(b) == 0 || b[0] != '[' {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	out := make(Tags, 0, len(items))
	for _, item := range items {
		if len(item) == 0 || item[0] != '"' {
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	*t = out
	return nil
}
