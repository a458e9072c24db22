package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/taskcore/pkg/taskerr"
)

const webConfig = `<?xml version="1.0" encoding="utf-8"?>
<!-- deployed by the pipeline -->
<configuration>
  <appSettings>
    <add key="Environment" value="Development" />
    <add key="Greeting" value='it&apos;s &amp; more' />
  </appSettings>
  <connectionStrings>
    <add name="Default" connectionString="Server=.;Database=dev" providerName="System.Data.SqlClient" />
  </connectionStrings>
  <applicationSettings>
    <App.Properties.Settings>
      <setting name="ServiceUrl" serializeAs="String">
        <value>http://localhost</value>
      </setting>
    </App.Properties.Settings>
  </applicationSettings>
  <system.web>
    <compilation debug="true" targetFramework="4.8" />
  </system.web>
  <log><level>info</level><![CDATA[<raw>]]></log>
</configuration>
<!-- trailing -->
`

const appSettingsJSON = `{
  // service settings
  "Name": "web",
  "Port": 8080,
  "Url": "http://localhost:8080", /* inline */
  "Data": {
    "ConnectionString": "__conn__",
    "Timeout": 30
  },
  "Servers": [
    {"Host": "a.internal"},
    {"Host": "b.internal"}
  ]
}
`

func TestRoundTripIsByteIdentical(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		content string
	}{
		{name: "json with comments", format: FormatJSON, content: appSettingsJSON},
		{name: "json with bom and crlf", format: FormatJSON, content: "\xEF\xBB\xBF{\r\n  \"a\": [1, 2.5e3, -0.1],\r\n  \"b\": {\"c\": null} // note\r\n}\r\n"},
		{name: "json escapes", format: FormatJSON, content: `{"k\"ey": "v\\alé", "e": [], "o": {}}`},
		{name: "json scalar root", format: FormatJSON, content: ` "just a string" `},
		{name: "xml config", format: FormatXML, content: webConfig},
		{name: "xml with bom and doctype", format: FormatXML, content: "\xEF\xBB\xBF<?xml version=\"1.0\"?>\n<!DOCTYPE root>\n<root a = 'x'\n  b=\"y\"><x:child xmlns:x=\"urn:x\"/></root>"},
		{name: "xml no prolog", format: FormatXML, content: `<a><b>text</b></a>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(tt.content), tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.content, string(Serialize(doc)))
			assert.Equal(t, tt.format, doc.Format())
		})
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		content string
	}{
		{name: "json missing value", format: FormatJSON, content: `{"a":}`},
		{name: "json unclosed", format: FormatJSON, content: `{"a": 1`},
		{name: "json trailing comma", format: FormatJSON, content: `{"a": 1,}`},
		{name: "json unterminated comment", format: FormatJSON, content: `{"a": 1} /* oops`},
		{name: "json empty", format: FormatJSON, content: ``},
		{name: "xml mismatched tags", format: FormatXML, content: `<a><b></a>`},
		{name: "xml unclosed", format: FormatXML, content: `<a><b/>`},
		{name: "xml two roots", format: FormatXML, content: `<a/><b/>`},
		{name: "xml text only", format: FormatXML, content: `hello`},
		{name: "xml unknown entity", format: FormatXML, content: `<a>&nbsp;</a>`},
		{name: "unknown format", format: Format("ini"), content: `a=b`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(tt.content), tt.format)
			require.Error(t, err)
			assert.Nil(t, doc)
			assert.True(t, taskerr.IsMalformedDocument(err), "got %v", err)
		})
	}
}

func TestMalformedErrorHasPosition(t *testing.T) {
	_, err := Parse([]byte("<a>\n  <b>\n</a>"), FormatXML)
	require.Error(t, err)

	te, ok := taskerr.As(err)
	require.True(t, ok)
	assert.Equal(t, "xml", te.Format)
	assert.Equal(t, 3, te.Line)
}

func TestJSONLookup(t *testing.T) {
	doc, err := Parse([]byte(appSettingsJSON), FormatJSON)
	require.NoError(t, err)

	conn := doc.Lookup("Data.ConnectionString")
	require.Len(t, conn, 1)
	assert.Equal(t, TypeString, conn[0].Type)
	assert.Equal(t, "ConnectionString", conn[0].Name)
	assert.Equal(t, `"__conn__"`, string(doc.Body()[conn[0].Start:conn[0].End]))
	assert.Equal(t, "Data", conn[0].Parent.Path)

	hosts := doc.Lookup("Host")
	require.Len(t, hosts, 2)
	assert.Equal(t, "Servers.0.Host", hosts[0].Path)
	assert.Equal(t, "Servers.1.Host", hosts[1].Path)

	port := doc.Lookup("Port")
	require.Len(t, port, 1)
	assert.Equal(t, TypeNumber, port[0].Type)
	assert.True(t, port[0].IsLeaf())

	servers := doc.Lookup("Servers")
	require.Len(t, servers, 1)
	assert.Equal(t, TypeArray, servers[0].Type)
	assert.False(t, servers[0].IsLeaf())
	assert.Len(t, servers[0].Children, 2)

	url := doc.Lookup("Url")
	require.Len(t, url, 1)
	assert.Equal(t, `"http://localhost:8080"`, string(doc.Body()[url[0].Start:url[0].End]))

	var order []string
	for _, n := range doc.Nodes() {
		if n.Parent == doc.Root() {
			order = append(order, n.Name)
		}
	}
	assert.Equal(t, []string{"Name", "Port", "Url", "Data", "Servers"}, order)
}

func TestXMLDocumentStructure(t *testing.T) {
	doc, err := Parse([]byte(webConfig), FormatXML)
	require.NoError(t, err)

	assert.Equal(t, "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n<!-- deployed by the pipeline -->\n", string(doc.Header()))
	assert.Equal(t, "configuration", doc.Root().Name)
	assert.Equal(t, "configuration", doc.Root().Path)

	adds := doc.Lookup("add")
	require.Len(t, adds, 3)
	assert.Equal(t, "configuration.appSettings.add", adds[0].Path)
	assert.True(t, adds[0].SelfClosing)

	greeting, ok := adds[1].Attr("value")
	require.True(t, ok)
	assert.Equal(t, "it's & more", greeting.Value)
	assert.Equal(t, byte('\''), greeting.Quote)
	assert.Equal(t, "it&apos;s &amp; more", string(doc.Body()[greeting.ValueStart:greeting.ValueEnd]))

	value := doc.Lookup("configuration.applicationSettings.App.Properties.Settings.setting.value")
	require.Len(t, value, 1)
	assert.Equal(t, "http://localhost", value[0].Text())
	assert.Equal(t, "http://localhost", string(doc.Body()[value[0].ContentStart:value[0].ContentEnd]))

	log := doc.Lookup("log")
	require.Len(t, log, 1)
	assert.Len(t, log[0].Children, 1)
	assert.Equal(t, "<raw>", log[0].Text())

	_, ok = adds[0].Attr("missing")
	assert.False(t, ok)
}

func TestBOMIsHeader(t *testing.T) {
	content := "\xEF\xBB\xBF{\"a\": 1}"
	doc, err := Parse([]byte(content), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xEF, 0xBB, 0xBF}, doc.Header())
	assert.Equal(t, `{"a": 1}`, string(doc.Body()))
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path    string
		content string
		want    Format
		wantErr bool
	}{
		{path: "appsettings.json", want: FormatJSON},
		{path: "Web.Release.config", want: FormatXML},
		{path: "parameters.XML", want: FormatXML},
		{path: "settings", content: "\xEF\xBB\xBF  {}", want: FormatJSON},
		{path: "settings", content: "\n<root/>", want: FormatXML},
		{path: "settings", content: "a=b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.path+"/"+tt.content, func(t *testing.T) {
			got, err := DetectFormat(tt.path, []byte(tt.content))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
