package planauth

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/porthorian/planauth/pkg/session"
)

// ID is a resource identifier. The API may send it as a JSON number or a
// string.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) Int() (int64, error) {
	return strconv.ParseInt(string(id), 10, 64)
}

type AuthResult struct {
	Message      string               `json:"message"`
	User         session.UserSnapshot `json:"user"`
	AccessToken  string               `json:"access_token"`
	RefreshToken string               `json:"refresh_token"`
}

type Subject struct {
	ID          ID     `json:"id,omitempty"`
	Titre       string `json:"titre"`
	Description string `json:"description,omitempty"`
	Couleur     string `json:"couleur,omitempty"`
}

type Task struct {
	ID          ID     `json:"id,omitempty"`
	SubjectID   ID     `json:"subject_id,omitempty"`
	Titre       string `json:"titre"`
	Description string `json:"description,omitempty"`
	DateLimite  string `json:"date_limite"`
	Priorite    int    `json:"priorite,omitempty"`
	Etat        string `json:"etat,omitempty"`
}

type PlanningRequest struct {
	Titre     string `json:"titre,omitempty"`
	DateDebut string `json:"date_debut"`
	DateFin   string `json:"date_fin"`
}

type Planning struct {
	ID        ID     `json:"id,omitempty"`
	Titre     string `json:"titre"`
	DateDebut string `json:"date_debut"`
	DateFin   string `json:"date_fin"`
	Actif     bool   `json:"actif"`
}

type Schedule struct {
	ID         ID     `json:"id,omitempty"`
	Filename   string `json:"filename,omitempty"`
	FichierPDF string `json:"fichier_pdf,omitempty"`
	Size       int64  `json:"size,omitempty"`
}

// Statistics is returned as-is; its shape is owned by the API.
type Statistics map[string]any

// Dashboard aggregates everything the dashboard page shows.
type Dashboard struct {
	User       session.UserSnapshot `json:"user"`
	Subjects   []Subject            `json:"subjects"`
	Tasks      []Task               `json:"tasks"`
	Plannings  []Planning           `json:"plannings"`
	Statistics Statistics           `json:"statistics"`
}
