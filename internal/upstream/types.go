package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Millis is an instant in unix milliseconds. The upstream sends numbers,
// but numeric strings are tolerated.
type Millis int64

func (m *Millis) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*m = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("millis %q: %w", b, err)
	}
	*m = Millis(int64(f))
	return nil
}

// ID is an upstream identifier that may arrive as a number or a string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// MeetingRef wraps the upstream meeting identifier.
type MeetingRef struct {
	IDSpotkania ID `json:"idSpotkania"`
}

// ClassInstance carries the class type of one meeting instance.
type ClassInstance struct {
	TypZajec *string `json:"typZajec"`
}

// LecturerItem is a lecturer as sent by the upstream.
type LecturerItem struct {
	IDProwadzacego      int64   `json:"idProwadzacego"`
	StopienImieNazwisko *string `json:"stopienImieNazwisko"`
}

// RoomItem is a room as sent by the upstream.
type RoomItem struct {
	IDSali        int64   `json:"idSali"`
	NazwaSkrocona *string `json:"nazwaSkrocona"`
}

// ClassItem is one raw scheduled meeting from getUlozoneTerminyGrupy.
type ClassItem struct {
	IDSpotkania             *MeetingRef     `json:"idSpotkania"`
	DataRozpoczecia         Millis          `json:"dataRozpoczecia"`
	DataZakonczenia         Millis          `json:"dataZakonczenia"`
	NazwaPelnaPrzedmiotu    *string         `json:"nazwaPelnaPrzedmiotu"`
	NazwaSkroconaPrzedmiotu *string         `json:"nazwaSkroconaPrzedmiotu"`
	ListaIdZajecInstancji   []ClassInstance `json:"listaIdZajecInstancji"`
	Wykladowcy              []LecturerItem  `json:"wykladowcy"`
	Sale                    []RoomItem      `json:"sale"`
}

// UpstreamID returns the meeting identifier, or "" when absent.
func (c ClassItem) UpstreamID() string {
	if c.IDSpotkania == nil {
		return ""
	}
	return string(c.IDSpotkania.IDSpotkania)
}

type unitRef struct {
	Class       string `json:"_class"`
	IDJednostki int64  `json:"idJednostki"`
}

type childRef struct {
	Reference *unitRef `json:"_reference"`
}

type rootItem struct {
	ID       ID         `json:"id"`
	Label    string     `json:"label"`
	Type     string     `json:"type"`
	Children []childRef `json:"children"`
}

// treeItem is one node of the full group tree response.
type treeItem struct {
	ID       json.RawMessage `json:"id"`
	Label    string          `json:"label"`
	Type     string          `json:"type"`
	Children []treeItem      `json:"children"`
}

type itemsValue[T any] struct {
	Items []T `json:"items"`
}

type ajaxRequest struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type ajaxResponse struct {
	ReturnedValue  json.RawMessage `json:"returnedValue"`
	ExceptionClass *string         `json:"exceptionClass"`
	Message        *string         `json:"message,omitempty"`
}
