package vast

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thenexusengine/tne_streamads/pkg/tracking"
)

const inlineVAST = `<?xml version="1.0" encoding="UTF-8"?>
<VAST version="4.0">
  <Error><![CDATA[https://example.com/vast-error?code=[ERRORCODE]]]></Error>
  <Ad id="ad-123" sequence="1">
    <InLine>
      <AdSystem>TNEVideo</AdSystem>
      <AdTitle> Test Ad </AdTitle>
      <Description>Spring campaign</Description>
      <Error><![CDATA[https://example.com/ad-error]]></Error>
      <Impression id="imp1"><![CDATA[ https://example.com/impression ]]></Impression>
      <Impression><![CDATA[https://example.com/impression2]]></Impression>
      <Creatives>
        <Creative id="creative-1">
          <Linear skipoffset="00:00:05">
            <Duration>00:00:30.500</Duration>
            <MediaFiles>
              <MediaFile delivery="progressive" type="video/webm" width="1920" height="1080"><![CDATA[https://example.com/video.webm]]></MediaFile>
              <MediaFile delivery="progressive" type="video/mp4" width="1280" height="720" bitrate="1500"><![CDATA[https://example.com/video.mp4]]></MediaFile>
            </MediaFiles>
            <TrackingEvents>
              <Tracking event="start"><![CDATA[https://example.com/start]]></Tracking>
              <Tracking event="FirstQuartile"><![CDATA[https://example.com/q1]]></Tracking>
              <Tracking event="midpoint"><![CDATA[https://example.com/mid]]></Tracking>
              <Tracking event="thirdQuartile"><![CDATA[https://example.com/q3]]></Tracking>
              <Tracking event="complete"><![CDATA[https://example.com/complete]]></Tracking>
              <Tracking event="complete"><![CDATA[https://example.com/complete]]></Tracking>
              <Tracking event="skip"><![CDATA[https://example.com/skip]]></Tracking>
              <Tracking event="pause"><![CDATA[https://example.com/pause]]></Tracking>
            </TrackingEvents>
            <VideoClicks>
              <ClickThrough><![CDATA[https://advertiser.example.com]]></ClickThrough>
              <ClickTracking><![CDATA[https://example.com/click1]]></ClickTracking>
              <ClickTracking><![CDATA[https://example.com/click2]]></ClickTracking>
            </VideoClicks>
          </Linear>
        </Creative>
      </Creatives>
    </InLine>
  </Ad>
</VAST>`

func TestParse_LenientNumericAttributes(t *testing.T) {
	doc := `<VAST version="3.0"><Ad id="a1" sequence="first"><InLine><AdSystem>s</AdSystem><AdTitle>t</AdTitle>
		<Creatives><Creative sequence="1.0"><Linear><Duration>00:00:15</Duration><MediaFiles>
		<MediaFile type="video/mp4" width="1280.0" height="720.0" bitrate="500-800"><![CDATA[https://cdn.example.com/a.mp4]]></MediaFile>
		<MediaFile type="video/webm" width="" height="abc"><![CDATA[https://cdn.example.com/a.webm]]></MediaFile>
		</MediaFiles></Linear></Creative></Creatives></InLine></Ad>
		<Ad id="w1"><Wrapper followAdditionalWrappers="no" allowMultipleAds="yes"><AdSystem>s</AdSystem>
		<VASTAdTagURI><![CDATA[https://ads.example.com/next]]></VASTAdTagURI></Wrapper></Ad></VAST>`

	resp, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, resp.Ads, 1)

	ad := resp.Ads[0]
	assert.Equal(t, 0, ad.Sequence)
	require.Len(t, ad.MediaFiles, 2)
	assert.Equal(t, 1280, ad.MediaFiles[0].Width)
	assert.Equal(t, 720, ad.MediaFiles[0].Height)
	assert.Equal(t, 0, ad.MediaFiles[0].Bitrate)
	assert.Equal(t, 0, ad.MediaFiles[1].Width)
	assert.Equal(t, 0, ad.MediaFiles[1].Height)

	require.Len(t, resp.Wrappers, 1)
	assert.False(t, resp.Wrappers[0].FollowAdditionalWrappers)
	assert.True(t, resp.Wrappers[0].AllowMultipleAds)
}

func TestParse_InLine(t *testing.T) {
	resp, err := Parse(inlineVAST)
	require.NoError(t, err)

	assert.Equal(t, "4.0", resp.Version)
	assert.Equal(t, []string{"https://example.com/vast-error?code=[ERRORCODE]"}, resp.ErrorURLs)
	require.Len(t, resp.Ads, 1)

	ad := resp.Ads[0]
	assert.Equal(t, "ad-123", ad.ID)
	assert.Equal(t, 1, ad.Sequence)
	assert.Equal(t, "Test Ad", ad.Title)
	assert.Equal(t, "Spring campaign", ad.Description)
	assert.InDelta(t, 30.5, ad.DurationSeconds, 0.0001)
	require.NotNil(t, ad.SkipOffsetSeconds)
	assert.InDelta(t, 5.0, *ad.SkipOffsetSeconds, 0.0001)

	require.Len(t, ad.MediaFiles, 2)
	assert.Equal(t, "https://example.com/video.mp4", ad.MediaFiles[1].URL)
	assert.Equal(t, 1500, ad.MediaFiles[1].Bitrate)

	assert.Equal(t, []string{"https://example.com/impression", "https://example.com/impression2"}, ad.TrackingEvents[tracking.EventImpression])
	assert.Equal(t, []string{"https://example.com/q1"}, ad.TrackingEvents[tracking.EventFirstQuartile])
	assert.Len(t, ad.TrackingEvents[tracking.EventComplete], 2, "duplicates are kept")
	assert.Equal(t, []string{"https://example.com/ad-error"}, ad.TrackingEvents[tracking.EventError])

	assert.Equal(t, "https://advertiser.example.com", ad.ClickThrough)
	assert.Equal(t, []string{"https://example.com/click1", "https://example.com/click2"}, ad.ClickTracking)
	assert.Equal(t, ad.ClickTracking, ad.Events()[tracking.EventClick])

	best := ad.BestMediaFile()
	require.NotNil(t, best)
	assert.Equal(t, "video/mp4", best.MIMEType)
}

func TestParse_SingleInLineWithMediaYieldsOneAd(t *testing.T) {
	for _, mediaCount := range []int{1, 2, 5} {
		var media strings.Builder
		for i := 0; i < mediaCount; i++ {
			media.WriteString(`<MediaFile type="video/mp4" width="640" height="360">https://cdn.example.com/a.mp4</MediaFile>`)
		}
		doc := `<VAST version="3.0"><Ad id="x"><InLine><AdSystem>s</AdSystem><AdTitle>t</AdTitle>
			<Creatives><Creative><Linear><Duration>00:00:15</Duration><MediaFiles>` + media.String() +
			`</MediaFiles></Linear></Creative></Creatives></InLine></Ad></VAST>`

		resp, err := Parse(doc)
		require.NoError(t, err)
		require.Len(t, resp.Ads, 1)
		assert.Len(t, resp.Ads[0].MediaFiles, mediaCount)
	}
}

func TestParse_InLineWithoutMediaIsDropped(t *testing.T) {
	doc := `<VAST version="3.0"><Ad id="x"><InLine><AdSystem>s</AdSystem><AdTitle>t</AdTitle>
		<Impression>https://example.com/imp</Impression>
		<Creatives><Creative><Linear><Duration>00:00:15</Duration><MediaFiles></MediaFiles></Linear></Creative></Creatives>
		</InLine></Ad></VAST>`

	resp, err := Parse(doc)
	require.NoError(t, err)
	assert.Empty(t, resp.Ads)
	assert.NotNil(t, resp.Ads)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		xml  string
	}{
		{"empty", ""},
		{"not xml", "this is not xml"},
		{"truncated", `<VAST version="4.0"><Ad>`},
		{"wrong root", `<VMAP version="1.0"></VMAP>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.xml)
			require.Error(t, err)
			var parseErr *ParseError
			assert.True(t, errors.As(err, &parseErr))
			assert.Equal(t, DocVAST, parseErr.Doc)
		})
	}
}

func TestParse_OnlyDirectAdChildren(t *testing.T) {
	doc := `<VAST version="4.0"><Extensions><Ad id="nested"><InLine><AdTitle>n</AdTitle>
		<Creatives><Creative><Linear><MediaFiles><MediaFile type="video/mp4">https://x/a.mp4</MediaFile></MediaFiles></Linear></Creative></Creatives>
		</InLine></Ad></Extensions></VAST>`

	resp, err := Parse(doc)
	require.NoError(t, err)
	assert.Empty(t, resp.Ads)
}

func TestParse_WrapperIsReturnedUnresolved(t *testing.T) {
	doc := `<VAST version="4.0"><Ad id="w1"><Wrapper followAdditionalWrappers="false">
		<AdSystem>wrap</AdSystem>
		<VASTAdTagURI><![CDATA[https://ads.example.com/next]]></VASTAdTagURI>
		<Impression>https://wrap.example.com/imp</Impression>
		</Wrapper></Ad></VAST>`

	resp, err := Parse(doc)
	require.NoError(t, err)
	assert.Empty(t, resp.Ads)
	require.Len(t, resp.Wrappers, 1)
	assert.Equal(t, "https://ads.example.com/next", resp.Wrappers[0].TagURI)
	assert.False(t, resp.Wrappers[0].FollowAdditionalWrappers)
	assert.True(t, resp.Wrappers[0].AllowMultipleAds)
	assert.Equal(t, []string{"https://wrap.example.com/imp"}, resp.Wrappers[0].TrackingEvents[tracking.EventImpression])
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"00:00:30", 30},
		{"00:01:30.250", 90.25},
		{"01:00:00", 3600},
		{" 00:00:15 ", 15},
		{"", 0},
		{"30", 0},
		{"00:61:00", 0},
		{"aa:bb:cc", 0},
		{"00:00:-5", 0},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, ParseDuration(tt.in), 0.0001, "input %q", tt.in)
	}
}

func TestParseOffset(t *testing.T) {
	v := ParseOffset("00:00:05", 30)
	require.NotNil(t, v)
	assert.InDelta(t, 5, *v, 0.0001)

	v = ParseOffset("25%", 40)
	require.NotNil(t, v)
	assert.InDelta(t, 10, *v, 0.0001)

	v = ParseOffset("12.5", 0)
	require.NotNil(t, v)
	assert.InDelta(t, 12.5, *v, 0.0001)

	assert.Nil(t, ParseOffset("50%", 0), "percentage without duration is undefined")
	assert.Nil(t, ParseOffset("soon", 30))
	assert.Nil(t, ParseOffset("", 30))
	assert.Nil(t, ParseOffset("-3", 30))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00:30", FormatDuration(30*time.Second))
	assert.Equal(t, "01:02:03", FormatDuration(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "00:00:01.500", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "00:00:00", FormatDuration(-time.Second))
}

func TestSelectBestMediaFile(t *testing.T) {
	t.Run("format preference dominates resolution", func(t *testing.T) {
		files := []MediaFile{
			{URL: "https://cdn/a", MIMEType: "video/mp4", Height: 720},
			{URL: "https://cdn/b", MIMEType: "video/webm", Height: 1080},
			{URL: "https://cdn/c", MIMEType: "video/mp4", Height: 1080},
		}
		best := SelectBestMediaFile(files)
		require.NotNil(t, best)
		assert.Equal(t, "https://cdn/c", best.URL)
	})

	t.Run("4K ties with 1080p and the first wins", func(t *testing.T) {
		files := []MediaFile{
			{URL: "https://cdn/1080", MIMEType: "video/mp4", Height: 1080},
			{URL: "https://cdn/2160", MIMEType: "video/mp4", Height: 2160},
		}
		assert.Equal(t, "https://cdn/1080", SelectBestMediaFile(files).URL)
	})

	t.Run("extension marks mp4", func(t *testing.T) {
		files := []MediaFile{
			{URL: "https://cdn/a.webm", MIMEType: "video/webm", Height: 1080},
			{URL: "https://cdn/b.MP4?x=1", MIMEType: "", Height: 360},
		}
		assert.Equal(t, "https://cdn/b.MP4?x=1", SelectBestMediaFile(files).URL)
	})

	t.Run("no mp4 falls back to all candidates", func(t *testing.T) {
		files := []MediaFile{
			{URL: "https://cdn/a.webm", MIMEType: "video/webm", Height: 480},
			{URL: "https://cdn/b.webm", MIMEType: "video/webm", Height: 720},
		}
		assert.Equal(t, "https://cdn/b.webm", SelectBestMediaFile(files).URL)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, SelectBestMediaFile(nil))
	})
}

func TestBuilderRoundTrip(t *testing.T) {
	v, err := NewBuilder("4.0").
		AddAd("house-1").
		WithInLine("streamads", "House Ad").
		WithImpression("https://example.com/impression").
		WithError("https://example.com/error").
		WithLinearCreative("creative-1", 30*time.Second).
		WithMediaFile("https://example.com/video.mp4", "video/mp4", 1920, 1080).
		WithSkipOffset(5*time.Second).
		WithTracking(tracking.EventStart, "https://example.com/start").
		WithClickThrough("https://example.com/landing").
		WithClickTracking("https://example.com/click").
		EndLinear().
		Build()
	require.NoError(t, err)

	data, err := v.Marshal()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "<?xml"))

	resp, err := Parse(string(data))
	require.NoError(t, err)
	require.Len(t, resp.Ads, 1)

	ad := resp.Ads[0]
	assert.Equal(t, "house-1", ad.ID)
	assert.InDelta(t, 30, ad.DurationSeconds, 0.0001)
	require.NotNil(t, ad.SkipOffsetSeconds)
	assert.InDelta(t, 5, *ad.SkipOffsetSeconds, 0.0001)
	assert.Equal(t, "https://example.com/landing", ad.ClickThrough)
	assert.Equal(t, []string{"https://example.com/start"}, ad.TrackingEvents[tracking.EventStart])
	assert.True(t, v.Validate().Valid)
}

func TestBuilderRequiresAd(t *testing.T) {
	_, err := NewBuilder("").WithLinearCreative("c", time.Second).EndLinear().Build()
	assert.Error(t, err)
}

func TestNewEmpty(t *testing.T) {
	v := NewEmpty("https://example.com/nofill")
	assert.Empty(t, v.Ads)
	assert.True(t, v.Validate().Valid)

	data, err := v.Marshal()
	require.NoError(t, err)
	resp, err := Parse(string(data))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/nofill"}, resp.ErrorURLs)
}
