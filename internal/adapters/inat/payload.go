package inat

import (
	"bytes"
	"encoding/json"
)

// scoreResponse is the part of the score_image reply that is read. Every
// field is optional.
type scoreResponse struct {
	Results []scoreResult `json:"results"`
}

type scoreResult struct {
	Taxon *taxon `json:"taxon"`
}

type taxon struct {
	Name                string     `json:"name"`
	ScientificName      string     `json:"scientific_name"`
	PreferredCommonName string     `json:"preferred_common_name"`
	CommonName          commonName `json:"common_name"`
}

// commonName accepts either {"name": "..."} or a bare string.
type commonName struct {
	Name string
}

func (c *commonName) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] == '"' {
		return json.Unmarshal(data, &c.Name)
	}

	if data[0] == '{' {
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		c.Name = obj.Name
	}

	// numbers, arrays and booleans carry no usable name
	return nil
}

// topTaxon returns the first result's taxon or nil.
func (r scoreResponse) topTaxon() *taxon {
	if len(r.Results) == 0 {
		return nil
	}
	return r.Results[0].Taxon
}

func (t *taxon) scientific() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ScientificName
}

func (t *taxon) common() string {
	if t.PreferredCommonName != "" {
		return t.PreferredCommonName
	}
	return t.CommonName.Name
}
