package meta

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const productPage = `
Acme TurboWidget 3000 — Product Details

The TurboWidget 3000 (SKU TW-30001) is our best selling widget. Price $129.99,
was $179.99. Add to cart today, free shipping and a two year warranty included.
Specifications: weight 1.2kg, width 30cm. The widget ships worldwide. Widget
accessories are also in stock, widget covers start at $9.50.

How long does shipping take?
Orders ship within two business days and arrive in five to seven days.

Can I return my widget?
Yes, returns are accepted within thirty days of purchase.

Contact support@acme.example or call +1 555-123-4567 for help.

- Free shipping on orders over $50
- Two year warranty
- 24/7 support
`

func TestExtract_ProductPage(t *testing.T) {
	t.Parallel()

	e := New(nil)
	md := e.Extract(productPage, "https://acme.example/products/turbowidget", "TurboWidget 3000")

	require.Equal(t, "product", md.ContentType)
	require.Equal(t, "en", md.Language)
	require.Contains(t, md.Keywords, "widget")
	require.Contains(t, md.Entities.SKUs, "TW-30001")

	require.NotNil(t, md.PriceRange)
	require.Equal(t, "USD", md.PriceRange.Currency)
	require.InDelta(t, 9.50, md.PriceRange.Min, 0.001)
	require.InDelta(t, 179.99, md.PriceRange.Max, 0.001)
	require.Equal(t, 4, md.PriceRange.Count)

	require.NotNil(t, md.Contact)
	require.Contains(t, md.Contact.Emails, "support@acme.example")
	require.NotEmpty(t, md.Contact.Phones)

	require.Len(t, md.QAPairs, 2)
	require.Equal(t, "How long does shipping take?", md.QAPairs[0].Question)

	require.True(t, md.HasLists)
	require.True(t, md.HasQuestions)
	require.Greater(t, md.SemanticDensity, 0.0)
	require.Greater(t, md.ReadabilityScore, 0.0)
}

func TestExtract_ShortPageFastPath(t *testing.T) {
	t.Parallel()

	e := New(nil)
	md := e.Extract("Contact us at sales@acme.test for a quote.", "https://acme.test/contact", "Contact")

	// Below the length threshold only classification and language run.
	require.Equal(t, "contact", md.ContentType)
	require.Nil(t, md.Contact)
	require.Nil(t, md.PriceRange)
	require.Empty(t, md.Keywords)
	require.Empty(t, md.QAPairs)
}

func TestClassify_TiedScoresAreDeterministic(t *testing.T) {
	t.Parallel()

	e := New(nil)
	// "contact" and "docs" both score 4 here: "contact" from the text plus
	// the URL path, "example" from the email domain plus the URL host. The
	// sorted iteration makes the alphabetically first winner stick.
	for i := 0; i < 100; i++ {
		md := e.Extract("Contact us at sales@example.com for a quote.", "https://example.com/contact", "Contact")
		require.Equal(t, "contact", md.ContentType)
	}
}

func TestExtract_MultiCurrencyPrices(t *testing.T) {
	t.Parallel()

	e := New(nil)
	text := "Unser Angebot: €1.299,99 für das Premiumpaket und €49,90 für den Einstieg. " +
		strings.Repeat("Der die das und ist nicht mit für auf ein Paket. ", 20)
	md := e.Extract(text, "https://example.de/angebot", "Angebot")

	require.Equal(t, "de", md.Language)
	require.NotNil(t, md.PriceRange)
	require.Equal(t, "EUR", md.PriceRange.Currency)
	require.InDelta(t, 49.90, md.PriceRange.Min, 0.001)
	require.InDelta(t, 1299.99, md.PriceRange.Max, 0.001)
}

func TestExtract_NoSignalsYieldsMinimalMetadata(t *testing.T) {
	t.Parallel()

	e := New(nil)
	text := strings.Repeat("lorem ipsum dolor sit amet consectetur adipiscing elit sed eiusmod. ", 10)
	md := e.Extract(text, "https://example.com/page", "Page")

	require.Nil(t, md.PriceRange)
	require.Nil(t, md.Contact)
	require.Empty(t, md.QAPairs)
	require.Empty(t, md.Entities.SKUs)
	require.False(t, md.HasCode)
}

func TestGuessLanguage_TooFewHitsIsUnknown(t *testing.T) {
	t.Parallel()

	e := New(nil)
	md := e.Extract(strings.Repeat("zzz qqq xxx yyy www vvv uuu ttt sss rrr. ", 10), "https://example.com", "x")
	require.Equal(t, "unknown", md.Language)
}
