package source

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/iziplay/findingaids/pkg/database"
)

// Term is a named entity occurrence as found in a document.
type Term struct {
	Type   string   `json:"type"`
	Label  string   `json:"label"`
	Role   string   `json:"role"`
	SameAs []string `json:"sameAs"`
}

// Kind maps the term type to an authority variant. EAD index element names
// are accepted alongside the variant names.
func (t Term) Kind() (database.AuthorityKind, error) {
	switch strings.ToLower(t.Type) {
	case "agent", "persname", "corpname", "famname", "name":
		return database.Agent, nil
	case "location", "geogname":
		return database.Location, nil
	case "subject", "function", "occupation", "genreform":
		return database.Subject, nil
	}
	return "", fmt.Errorf("unknown index term type %q", t.Type)
}

// Component is a sub-unit of a finding aid.
type Component struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Fields      map[string]any `json:"fields"`
	Terms       []Term         `json:"terms"`
	Components  []Component    `json:"components"`
}

// AttachmentRef is a file attached to a finding aid. Text is read from Path
// when it names a plain text file.
type AttachmentRef struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Text     string `json:"text"`
	Hash     string `json:"-"`
}

// FindingAid is the raw content of a finding aid document.
type FindingAid struct {
	EADID       string          `json:"eadid"`
	Service     string          `json:"service"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Fields      map[string]any  `json:"fields"`
	Terms       []Term          `json:"terms"`
	Components  []Component     `json:"components"`
	Attachments []AttachmentRef `json:"attachments"`
}

// StableID is the identity of the finding aid across re-imports.
func (f *FindingAid) StableID() string {
	return joinID(f.Service, f.EADID)
}

// Person is one row of a person records file.
type Person struct {
	ID         string
	Service    string
	Forenames  string
	Surname    string
	BirthDate  string
	BirthPlace string
	DeathDate  string
	DeathPlace string
	Fields     map[string]string
}

// StableID is the identity of the record across re-imports.
func (p Person) StableID() string {
	return joinID(p.Service, p.ID)
}

var (
	partEscaper    = strings.NewReplacer("%", "%25", "/", "%2F", "#", "%23")
	serviceEscaper = strings.NewReplacer("%", "%25", "/", "%2F", "#", "%23", "_", "%5F")
)

// IDPart escapes s for use as one segment of a stable id. Escaped segments
// never contain the '/' and '#' separators of nested ids.
func IDPart(s string) string {
	return partEscaper.Replace(s)
}

// joinID returns service_id. The service never contains a raw '_', so the
// first one splits the two parts. Without a service, id has none either.
func joinID(service, id string) string {
	if service == "" {
		return serviceEscaper.Replace(id)
	}
	return serviceEscaper.Replace(service) + "_" + IDPart(id)
}

// Parsed is the content of one document. Exactly one of its parts is set,
// according to Kind.
type Parsed struct {
	Kind       Kind
	Hash       string
	FindingAid *FindingAid
	Persons    []Person
	Services   []database.Service
}

// Parse reads and parses a document.
func Parse(doc Document) (*Parsed, error) {
	raw, err := os.ReadFile(doc.Path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", doc.Path, err)
	}
	hash, err := hashReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	parsed := &Parsed{Kind: doc.Kind, Hash: hash}
	switch doc.Kind {
	case KindFindingAid:
		parsed.FindingAid, err = parseFindingAid(raw, doc)
	case KindPersonRecords:
		parsed.Persons, err = parsePersons(bytes.NewReader(raw), doc.Service)
	case KindServices:
		parsed.Services, err = parseServices(bytes.NewReader(raw))
	default:
		err = fmt.Errorf("%w: kind %q", ErrUnsupported, doc.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", doc.Path, err)
	}
	return parsed, nil
}

func parseFindingAid(raw []byte, doc Document) (*FindingAid, error) {
	var fa FindingAid
	if err := json.Unmarshal(raw, &fa); err != nil {
		return nil, err
	}
	fa.EADID = strings.TrimSpace(fa.EADID)
	if fa.EADID == "" {
		return nil, errors.New("missing eadid")
	}
	if strings.TrimSpace(fa.Title) == "" {
		return nil, errors.New("missing title")
	}
	if fa.Service == "" {
		fa.Service = doc.Service
	}

	if err := checkTerms(fa.Terms); err != nil {
		return nil, err
	}
	if err := checkComponents(fa.Components); err != nil {
		return nil, err
	}

	for i := range fa.Attachments {
		att := &fa.Attachments[i]
		if att.Path == "" {
			att.Hash, _ = hashReader(strings.NewReader(att.Text))
			continue
		}
		path := att.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(doc.Path), path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", att.Path, err)
		}
		att.Hash, _ = hashReader(bytes.NewReader(content))
		if att.Filename == "" {
			att.Filename = filepath.Base(path)
		}
		if strings.EqualFold(filepath.Ext(path), ".txt") {
			att.Text = string(content)
		}
	}

	return &fa, nil
}

func checkTerms(terms []Term) error {
	for _, t := range terms {
		if _, err := t.Kind(); err != nil {
			return err
		}
	}
	return nil
}

func checkComponents(components []Component) error {
	for _, c := range components {
		if err := checkTerms(c.Terms); err != nil {
			return err
		}
		if err := checkComponents(c.Components); err != nil {
			return err
		}
	}
	return nil
}

var personColumns = map[string]bool{
	"id": true, "forenames": true, "surname": true,
	"birth_date": true, "birth_place": true, "death_date": true, "death_place": true,
}

func parsePersons(r io.Reader, service string) ([]Person, error) {
	rows, header, err := readCSV(r, "id", "surname")
	if err != nil {
		return nil, err
	}

	persons := make([]Person, 0, len(rows))
	for line, row := range rows {
		p := Person{
			ID:         row["id"],
			Service:    service,
			Forenames:  row["forenames"],
			Surname:    row["surname"],
			BirthDate:  row["birth_date"],
			BirthPlace: row["birth_place"],
			DeathDate:  row["death_date"],
			DeathPlace: row["death_place"],
			Fields:     map[string]string{},
		}
		if p.ID == "" {
			return nil, fmt.Errorf("line %d: missing id", line+2)
		}
		for _, col := range header {
			if !personColumns[col] && row[col] != "" {
				p.Fields[col] = row[col]
			}
		}
		persons = append(persons, p)
	}
	return persons, nil
}

func parseServices(r io.Reader) ([]database.Service, error) {
	rows, _, err := readCSV(r, "code", "name")
	if err != nil {
		return nil, err
	}

	services := make([]database.Service, 0, len(rows))
	for line, row := range rows {
		if row["code"] == "" {
			return nil, fmt.Errorf("line %d: missing code", line+2)
		}
		services = append(services, database.Service{
			Code:      row["code"],
			Name:      row["name"],
			ShortName: row["short_name"],
			City:      row["city"],
			Website:   row["website"],
		})
	}
	return services, nil
}

// readCSV reads a CSV file with a header line into one map per row. The
// header must contain the required columns.
func readCSV(r io.Reader, required ...string) ([]map[string]string, []string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff")))
	}
	for _, col := range required {
		if !slices.Contains(header, col) {
			return nil, nil, fmt.Errorf("missing column %q", col)
		}
	}

	var rows []map[string]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		row := make(map[string]string, len(header))
		for i, value := range record {
			if i < len(header) {
				row[header[i]] = strings.TrimSpace(value)
			}
		}
		rows = append(rows, row)
	}
	return rows, header, nil
}
