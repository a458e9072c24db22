package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const xdtTarget = `<?xml version="1.0"?>
<configuration>
  <!-- app settings -->
  <appSettings>
    <add key="A" value="1" />
    <add key="B" value="2" />
  </appSettings>
  <system.web>
    <compilation debug="true" targetFramework="4.8" />
    <customErrors mode="Off" />
  </system.web>
</configuration>
`

func applyXDT(t *testing.T, target, transform string) string {
	t.Helper()
	tdoc, err := Parse([]byte(target), FormatXML)
	require.NoError(t, err)
	xdoc, err := Parse([]byte(transform), FormatXML)
	require.NoError(t, err)

	out, err := ApplyXDT(tdoc, xdoc)
	require.NoError(t, err)
	return string(Serialize(out))
}

func TestApplyXDT(t *testing.T) {
	transform := `<?xml version="1.0"?>
<configuration xmlns:xdt="http://schemas.microsoft.com/XML-Document-Transform">
  <appSettings>
    <add key="A" value="100" xdt:Transform="SetAttributes" xdt:Locator="Match(key)" />
    <add key="B" xdt:Transform="Remove" xdt:Locator="Match(key)" />
    <add key="C" value="3" xdt:Transform="Insert" />
  </appSettings>
  <system.web>
    <compilation xdt:Transform="RemoveAttributes(debug)" />
    <customErrors mode="On" defaultRedirect="/error" xdt:Transform="Replace" />
  </system.web>
</configuration>
`

	want := `<?xml version="1.0"?>
<configuration>
  <!-- app settings -->
  <appSettings>
    <add key="A" value="100" />
    <add key="C" value="3" />
  </appSettings>
  <system.web>
    <compilation targetFramework="4.8" />
    <customErrors mode="On" defaultRedirect="/error" />
  </system.web>
</configuration>
`
	assert.Equal(t, want, applyXDT(t, xdtTarget, transform))
}

func TestApplyXDTRemoveAll(t *testing.T) {
	transform := `<configuration xmlns:xdt="http://schemas.microsoft.com/XML-Document-Transform">
  <appSettings>
    <add xdt:Transform="RemoveAll" />
  </appSettings>
</configuration>`

	want := `<?xml version="1.0"?>
<configuration>
  <!-- app settings -->
  <appSettings>
  </appSettings>
  <system.web>
    <compilation debug="true" targetFramework="4.8" />
    <customErrors mode="Off" />
  </system.web>
</configuration>
`
	assert.Equal(t, want, applyXDT(t, xdtTarget, transform))
}

func TestApplyXDTInsertIfMissingIsIdempotent(t *testing.T) {
	transform := `<configuration xmlns:xdt="http://schemas.microsoft.com/XML-Document-Transform">
  <appSettings>
    <add key="A" value="ignored" xdt:Transform="InsertIfMissing" xdt:Locator="Match(key)" />
    <add key="D" value="4" xdt:Transform="InsertIfMissing" xdt:Locator="Match(key)" />
  </appSettings>
</configuration>`

	once := applyXDT(t, xdtTarget, transform)
	assert.Contains(t, once, "<add key=\"B\" value=\"2\" />\n    <add key=\"D\" value=\"4\" />\n  </appSettings>")
	assert.NotContains(t, once, "ignored")

	twice := applyXDT(t, once, transform)
	assert.Equal(t, once, twice)
}

func TestApplyXDTSetAttributesAddsMissing(t *testing.T) {
	transform := `<configuration xmlns:xdt="http://schemas.microsoft.com/XML-Document-Transform">
  <system.web>
    <compilation debug="false" batch="false" ignored="x" xdt:Transform="SetAttributes(debug,batch)" />
  </system.web>
</configuration>`

	out := applyXDT(t, xdtTarget, transform)
	assert.Contains(t, out, `<compilation debug="false" targetFramework="4.8" batch="false" />`)
	assert.NotContains(t, out, "ignored")
}

func TestApplyXDTInsertIntoSelfClosingParent(t *testing.T) {
	target := `<configuration><runtime /></configuration>`
	transform := `<configuration xmlns:xdt="http://schemas.microsoft.com/XML-Document-Transform"><runtime><gcServer enabled="true" xdt:Transform="Insert"/></runtime></configuration>`

	assert.Equal(t,
		`<configuration><runtime ><gcServer enabled="true"/></runtime></configuration>`,
		applyXDT(t, target, transform))
}

func TestApplyXDTReplaceStripsNestedTransformAttributes(t *testing.T) {
	target := `<configuration><connectionStrings><add name="db" connectionString="dev" /></connectionStrings></configuration>`
	transform := `<configuration xmlns:xdt="http://schemas.microsoft.com/XML-Document-Transform"><connectionStrings xdt:Transform="Replace"><add name="db" connectionString="prod" xdt:Locator="Match(name)" /></connectionStrings></configuration>`

	assert.Equal(t,
		`<configuration><connectionStrings><add name="db" connectionString="prod" /></connectionStrings></configuration>`,
		applyXDT(t, target, transform))
}

func TestApplyXDTLocatorNarrowsSelection(t *testing.T) {
	transform := `<configuration xmlns:xdt="http://schemas.microsoft.com/XML-Document-Transform">
  <appSettings>
    <add key="Z" value="0" xdt:Transform="SetAttributes(value)" xdt:Locator="Match(key)" />
  </appSettings>
</configuration>`

	assert.Equal(t, xdtTarget, applyXDT(t, xdtTarget, transform))
}

func TestApplyXDTCustomPrefix(t *testing.T) {
	transform := `<configuration xmlns:t="http://schemas.microsoft.com/XML-Document-Transform">
  <system.web>
    <customErrors t:Transform="Remove" />
  </system.web>
</configuration>`

	out := applyXDT(t, xdtTarget, transform)
	assert.NotContains(t, out, "customErrors")
	assert.Contains(t, out, "<compilation debug=\"true\" targetFramework=\"4.8\" />\n  </system.web>")
}

func TestApplyXDTWithoutNamespaceIsNoOp(t *testing.T) {
	transform := `<configuration><appSettings><add key="A" Transform="Remove" /></appSettings></configuration>`
	assert.Equal(t, xdtTarget, applyXDT(t, xdtTarget, transform))
}

func TestApplyXDTErrors(t *testing.T) {
	tests := []struct {
		name      string
		transform string
	}{
		{
			name:      "root mismatch",
			transform: `<settings xmlns:xdt="http://schemas.microsoft.com/XML-Document-Transform"><a xdt:Transform="Remove"/></settings>`,
		},
		{
			name:      "unknown transform",
			transform: `<configuration xmlns:xdt="http://schemas.microsoft.com/XML-Document-Transform"><appSettings xdt:Transform="XSLT(file)"/></configuration>`,
		},
		{
			name:      "xpath locator",
			transform: `<configuration xmlns:xdt="http://schemas.microsoft.com/XML-Document-Transform"><appSettings xdt:Locator="XPath(//add)" xdt:Transform="Remove"/></configuration>`,
		},
		{
			name:      "remove attributes without names",
			transform: `<configuration xmlns:xdt="http://schemas.microsoft.com/XML-Document-Transform"><appSettings xdt:Transform="RemoveAttributes"/></configuration>`,
		},
	}

	target, err := Parse([]byte(xdtTarget), FormatXML)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			xdoc, err := Parse([]byte(tt.transform), FormatXML)
			require.NoError(t, err)

			_, err = ApplyXDT(target, xdoc)
			assert.Error(t, err)
		})
	}

	jsonDoc, err := Parse([]byte(`{}`), FormatJSON)
	require.NoError(t, err)
	_, err = ApplyXDT(jsonDoc, target)
	assert.Error(t, err)
}

func TestOpCount(t *testing.T) {
	xdoc, err := Parse([]byte(`<configuration xmlns:xdt="http://schemas.microsoft.com/XML-Document-Transform">
  <appSettings xdt:Transform="SetAttributes(x)" x="1">
    <add key="A" xdt:Transform="Remove" xdt:Locator="Match(key)" />
  </appSettings>
  <system.web xdt:Transform="Replace"><compilation xdt:Transform="Remove"/></system.web>
</configuration>`), FormatXML)
	require.NoError(t, err)

	n, err := OpCount(xdoc)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
