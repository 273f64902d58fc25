package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/smallnest/doseguide/collection"
	"github.com/smallnest/doseguide/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadDoc(t *testing.T, name string) *goquery.Document {
	t.Helper()
	f, err := os.Open("testdata/" + name)
	require.NoError(t, err)
	defer f.Close()
	doc, err := goquery.NewDocumentFromReader(f)
	require.NoError(t, err)
	return doc
}

func TestExtractDosage(t *testing.T) {
	doc := loadDoc(t, "ibuprofen_dosage.html")

	tests := []struct {
		name      string
		condition string
		ageGroup  string
		drug      string
		want      string
		notFound  bool
	}{
		{
			name:      "exact section, cut at parenteral",
			condition: "pain", ageGroup: "adult", drug: "ibuprofen",
			want: "Oral: 200 to 400 mg orally every 4 to 6 hours as needed, not to exceed 6 doses in 24 hours\nMaximum dose: 3200 mg/day",
		},
		{
			name:      "pediatric section, cut at use",
			condition: "fever", ageGroup: "pediatric", drug: "ibuprofen",
			want: "Oral: 5 to 10 mg/kg orally every 6 to 8 hours\nMaximum dose: 40 mg/kg/day",
		},
		{
			name:      "fallback to first dose heading for the age group",
			condition: "headache", ageGroup: "adult", drug: "ibuprofen",
			want: "Oral: 200 to 400 mg orally every 4 to 6 hours as needed",
		},
		{
			name:      "section without a dose",
			condition: "dysmenorrhea", ageGroup: "adult", drug: "ibuprofen",
			notFound: true,
		},
		{
			name:      "no section",
			condition: "cough", ageGroup: "geriatric", drug: "ibuprofen",
			notFound: true,
		},
		{
			name:      "adult-only medication",
			condition: "anxiety", ageGroup: "pediatric", drug: "Alprazolam",
			want: PediatricAdvice,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractDosage(doc, tt.condition, tt.ageGroup, tt.drug)
			if tt.notFound {
				assert.ErrorIs(t, err, errs.ErrNotFound)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ExtractDosage(doc, "pain")
	assert.Error(t, err)
}

func TestExtractFoodInteractions(t *testing.T) {
	doc := loadDoc(t, "aspirin_food_interactions.html")

	got, err := ExtractFoodInteractions(doc)
	require.NoError(t, err)
	assert.Equal(t,
		"Major Interaction: Aspirin ↔ alcohol (ethanol)\n"+
			"Alcohol can increase the risk of stomach bleeding caused by aspirin.\n\n"+
			"Unknown Interaction: Aspirin ↔ caffeine\n"+
			"Caffeine may increase aspirin absorption.",
		got)
	assert.NotContains(t, got, "professional version")
}

func TestExtractFoodInteractions_None(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<div id="content" class="ddc-main-content"><p>Nothing here.</p></div>`))
	require.NoError(t, err)

	_, err = ExtractFoodInteractions(doc)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "bismuth-subsalicylate", Slug(" Bismuth  Subsalicylate "))
	assert.Equal(t, "ibuprofen", Slug("IBUPROFEN"))
	assert.Equal(t, "a%2Fb", Slug("a/b"))
}

func TestValidateRules(t *testing.T) {
	registry, err := collection.Default()
	require.NoError(t, err)
	assert.NoError(t, ValidateRules(registry))

	schemas := registry.Schemas()
	broken := *schemas[0]
	broken.Scrape.ExtractFunction = "extract_everything"
	bad, err := collection.NewRegistry(broken)
	require.NoError(t, err)
	assert.ErrorIs(t, ValidateRules(bad), errs.ErrConfiguration)
}

func newSourceServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/dosage/ibuprofen.html":
			http.ServeFile(w, r, "testdata/ibuprofen_dosage.html")
		case "/food-interactions/aspirin.html":
			http.ServeFile(w, r, "testdata/aspirin_food_interactions.html")
		case "/dosage/busy.html":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func schemaAt(t *testing.T, id, template string) *collection.Schema {
	t.Helper()
	registry, err := collection.Default()
	require.NoError(t, err)
	schema, err := registry.Get(id)
	require.NoError(t, err)
	s := *schema
	s.Scrape.URLTemplate = template
	return &s
}

func TestClient_Extract(t *testing.T) {
	server := newSourceServer(t)
	client := New()
	ctx := context.Background()

	dosage := schemaAt(t, "DrugDosage", server.URL+"/dosage/{medication}.html")
	bag, err := client.Extract(ctx, dosage, collection.Params{
		"medication": "ibuprofen", "condition": "pain", "patientAgeGroup": "adult",
	})
	require.NoError(t, err)
	assert.Equal(t, "ibuprofen", bag["medication"])
	assert.Equal(t, "pain", bag["condition"])
	assert.Equal(t, "adult", bag["patientAgeGroup"])
	assert.True(t, strings.HasPrefix(bag["dosage"], "Oral: 200 to 400 mg"))

	interactions := schemaAt(t, "DrugInteractions", server.URL+"/food-interactions/{medication}.html")
	bag, err = client.Extract(ctx, interactions, collection.Params{"medication": "aspirin"})
	require.NoError(t, err)
	assert.Len(t, bag, 2)
	assert.Contains(t, bag["interactions"], "Major Interaction")
}

func TestClient_Extract_Errors(t *testing.T) {
	server := newSourceServer(t)
	client := New()
	ctx := context.Background()
	dosage := schemaAt(t, "DrugDosage", server.URL+"/dosage/{medication}.html")

	_, err := client.Extract(ctx, dosage, collection.Params{
		"medication": "unknown drug", "condition": "pain", "patientAgeGroup": "adult",
	})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = client.Extract(ctx, dosage, collection.Params{
		"medication": "busy", "condition": "pain", "patientAgeGroup": "adult",
	})
	code, ok := errs.StatusCode(err)
	assert.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	_, err = client.Extract(ctx, dosage, collection.Params{
		"medication": "ibuprofen", "condition": "cough", "patientAgeGroup": "geriatric",
	})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
