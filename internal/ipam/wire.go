package ipam

import "encoding/json"

// NetBox represents address status as {"value": "active", ...} on reads
// but accepts a plain string on writes, and tags as objects keyed by
// slug. The wire types normalize both directions.

type wireStatus struct {
	Value string
}

func (s *wireStatus) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		s.Value = plain
		return nil
	}
	var obj struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	s.Value = obj.Value
	return nil
}

type wireTag struct {
	Slug string `json:"slug"`
}

func (t *wireTag) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		t.Slug = plain
		return nil
	}
	var obj struct {
		Slug string `json:"slug"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t.Slug = obj.Slug
	return nil
}

type wireAddress struct {
	ID           int            `json:"id"`
	Address      string         `json:"address"`
	Status       wireStatus     `json:"status"`
	DNSName      string         `json:"dns_name"`
	Description  string         `json:"description"`
	Tags         []wireTag      `json:"tags"`
	CustomFields map[string]any `json:"custom_fields"`
}

func (w wireAddress) toAddress() Address {
	tags := make([]string, 0, len(w.Tags))
	for _, t := range w.Tags {
		tags = append(tags, t.Slug)
	}
	return Address{
		ID:           w.ID,
		Address:      w.Address,
		Status:       w.Status.Value,
		DNSName:      w.DNSName,
		Description:  w.Description,
		Tags:         tags,
		CustomFields: w.CustomFields,
	}
}

func (a *Address) toWire() map[string]any {
	body := map[string]any{"address": a.Address}
	if a.Status != "" {
		body["status"] = a.Status
	}
	if a.DNSName != "" {
		body["dns_name"] = a.DNSName
	}
	if a.Description != "" {
		body["description"] = a.Description
	}
	if len(a.Tags) > 0 {
		tags := make([]wireTag, 0, len(a.Tags))
		for _, slug := range a.Tags {
			tags = append(tags, wireTag{Slug: slug})
		}
		body["tags"] = tags
	}
	if len(a.CustomFields) > 0 {
		body["custom_fields"] = a.CustomFields
	}
	return body
}

type wireRange struct {
	ID           int            `json:"id"`
	Prefix       string         `json:"prefix"`
	CustomFields map[string]any `json:"custom_fields"`
}
