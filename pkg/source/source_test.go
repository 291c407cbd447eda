package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/iziplay/findingaids/pkg/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDirDocuments(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "FRAD001", "b.json"), "{}")
	writeFile(t, filepath.Join(root, "FRAD001", "a.json"), "{}")
	writeFile(t, filepath.Join(root, "FRAD001", "notes.pdf"), "%PDF")
	writeFile(t, filepath.Join(root, "FRAD002", "registers.csv"), "id,surname\n")
	writeFile(t, filepath.Join(root, "directory.services.csv"), "code,name\n")
	writeFile(t, filepath.Join(root, ".hidden", "c.json"), "{}")

	docs, err := Dir{Roots: []string{root}}.Documents()
	require.NoError(t, err)

	assert.Equal(t, []Document{
		{Path: filepath.Join(root, "directory.services.csv"), Kind: KindServices},
		{Path: filepath.Join(root, "FRAD001", "a.json"), Kind: KindFindingAid, Service: "FRAD001"},
		{Path: filepath.Join(root, "FRAD001", "b.json"), Kind: KindFindingAid, Service: "FRAD001"},
		{Path: filepath.Join(root, "FRAD002", "registers.csv"), Kind: KindPersonRecords, Service: "FRAD002"},
	}, docs)

	again, err := Dir{Roots: []string{root}}.Documents()
	require.NoError(t, err)
	assert.Equal(t, docs, again)
}

func TestDirServiceOverride(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "FRAD001", "a.json")
	writeFile(t, file, "{}")

	docs, err := Dir{Roots: []string{file}, Service: "FRAN"}.Documents()
	require.NoError(t, err)
	assert.Equal(t, []Document{{Path: file, Kind: KindFindingAid, Service: "FRAN"}}, docs)

	_, err = Dir{Roots: []string{filepath.Join(root, "missing")}}.Documents()
	assert.Error(t, err)

	pdf := filepath.Join(root, "x.pdf")
	writeFile(t, pdf, "%PDF")
	_, err = Dir{Roots: []string{pdf}}.Documents()
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestHashIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.json")
	writeFile(t, path, "abc")

	h, err := Document{Path: path}.Hash()
	require.NoError(t, err)
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", h)
}

func TestParseFindingAid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "files", "inventory.txt"), "Inventaire détaillé")
	path := filepath.Join(dir, "ead.json")
	writeFile(t, path, `{
		"eadid": " FRAD001_0001 ",
		"title": "Fonds de la préfecture",
		"fields": {"dates": "1800-1940"},
		"terms": [{"type": "geogname", "label": "Bourg-en-Bresse", "role": "subject"}],
		"components": [{
			"id": "c1",
			"title": "Correspondance",
			"terms": [{"type": "persname", "label": "Hugo, Victor", "sameAs": ["https://www.wikidata.org/wiki/Q535"]}],
			"components": [{"title": "Lettres", "terms": [{"type": "subject", "label": "Correspondance"}]}]
		}],
		"attachments": [{"path": "files/inventory.txt"}, {"filename": "notes", "text": "inline"}]
	}`)

	parsed, err := Parse(Document{Path: path, Kind: KindFindingAid, Service: "FRAD001"})
	require.NoError(t, err)
	require.NotNil(t, parsed.FindingAid)

	fa := parsed.FindingAid
	assert.NotEmpty(t, parsed.Hash)
	assert.Equal(t, "FRAD001_0001", fa.EADID)
	assert.Equal(t, "FRAD001", fa.Service)
	assert.Equal(t, "FRAD001_FRAD001_0001", fa.StableID())
	require.Len(t, fa.Components, 1)
	require.Len(t, fa.Components[0].Components, 1)

	kind, err := fa.Components[0].Terms[0].Kind()
	require.NoError(t, err)
	assert.Equal(t, database.Agent, kind)

	require.Len(t, fa.Attachments, 2)
	assert.Equal(t, "inventory.txt", fa.Attachments[0].Filename)
	assert.Equal(t, "Inventaire détaillé", fa.Attachments[0].Text)
	assert.NotEmpty(t, fa.Attachments[0].Hash)
	assert.Equal(t, "inline", fa.Attachments[1].Text)
}

func TestStableIDsDoNotCollide(t *testing.T) {
	ids := map[string]string{}
	for _, fa := range []FindingAid{
		{Service: "A_B", EADID: "C"},
		{Service: "A", EADID: "B_C"},
		{EADID: "A_B_C"},
		{Service: "A", EADID: "B/C"},
		{Service: "A%5FB", EADID: "C"},
	} {
		id := fa.StableID()
		prev, ok := ids[id]
		assert.False(t, ok, "%s/%s and %s share %q", fa.Service, fa.EADID, prev, id)
		ids[id] = fa.Service + "/" + fa.EADID
	}

	assert.Equal(t, "A_B_C", (&FindingAid{Service: "A", EADID: "B_C"}).StableID())
	assert.Equal(t, "A%5FB_C", (&FindingAid{Service: "A_B", EADID: "C"}).StableID())
	assert.Equal(t, "A%2FB", IDPart("A/B"))
	assert.NotEqual(t, Person{Service: "A_B", ID: "C"}.StableID(), Person{Service: "A", ID: "B_C"}.StableID())
}

func TestParseFindingAidErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"malformed":    `{"eadid": "x", `,
		"missing id":   `{"title": "t"}`,
		"unknown term": `{"eadid": "x", "title": "t", "terms": [{"type": "colour", "label": "red"}]}`,
		"nested term":  `{"eadid": "x", "title": "t", "components": [{"components": [{"terms": [{"type": "?", "label": "a"}]}]}]}`,
		"attachment":   `{"eadid": "x", "title": "t", "attachments": [{"path": "missing.txt"}]}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			writeFile(t, path, content)
			_, err := Parse(Document{Path: path, Kind: KindFindingAid})
			assert.Error(t, err)
		})
	}
}

func TestParsePersons(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registers.csv")
	writeFile(t, path, "\ufeffID,Forenames,Surname,Birth_Date,Birth_Place,Regiment\n"+
		"42,Jean,Valjean,1769,Faverolles,\n"+
		"43, Fantine ,Thénardier,,Montreuil,12e RI\n")

	parsed, err := Parse(Document{Path: path, Kind: KindPersonRecords, Service: "FRAD062"})
	require.NoError(t, err)
	require.Len(t, parsed.Persons, 2)

	assert.Equal(t, "FRAD062_42", parsed.Persons[0].StableID())
	assert.Equal(t, "Faverolles", parsed.Persons[0].BirthPlace)
	assert.Empty(t, parsed.Persons[0].Fields)
	assert.Equal(t, "Fantine", parsed.Persons[1].Forenames)
	assert.Equal(t, map[string]string{"regiment": "12e RI"}, parsed.Persons[1].Fields)
}

func TestParseServices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.services.csv")
	writeFile(t, path, "code,name,short_name,city\nFRAD001,Archives départementales de l'Ain,AD Ain,Bourg-en-Bresse\n")

	parsed, err := Parse(Document{Path: path, Kind: KindServices})
	require.NoError(t, err)
	assert.Equal(t, []database.Service{{Code: "FRAD001", Name: "Archives départementales de l'Ain", ShortName: "AD Ain", City: "Bourg-en-Bresse"}}, parsed.Services)

	writeFile(t, path, "code,label\n")
	_, err = Parse(Document{Path: path, Kind: KindServices})
	assert.Error(t, err)
}
