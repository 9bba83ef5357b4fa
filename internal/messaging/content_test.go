package messaging

import "testing"

func TestDetectContentKind(t *testing.T) {
	cases := []struct {
		name  string
		hints ContentHints
		want  ContentKind
	}{
		{"plain text", ContentHints{}, ContentText},
		{"declared chat", ContentHints{DeclaredType: "chat"}, ContentText},
		{"declared image", ContentHints{DeclaredType: "image", HasMedia: true}, ContentImage},
		{"declared ptt", ContentHints{DeclaredType: "ptt", HasMedia: true}, ContentAudio},
		{"declared sticker", ContentHints{DeclaredType: "sticker", HasMedia: true}, ContentSticker},
		{"location flag", ContentHints{HasLocation: true}, ContentLocation},
		{"webp mimetype", ContentHints{HasMedia: true, Mimetype: "image/webp"}, ContentSticker},
		{"jpeg mimetype", ContentHints{HasMedia: true, Mimetype: "image/jpeg"}, ContentImage},
		{"video with params", ContentHints{HasMedia: true, Mimetype: "video/mp4; codecs=avc1"}, ContentVideo},
		{"pdf mimetype", ContentHints{HasMedia: true, Mimetype: "application/pdf"}, ContentDocument},
		{"unknown declared falls to extension", ContentHints{DeclaredType: "weird", HasMedia: true, Filename: "clip.MOV"}, ContentVideo},
		{"url extension", ContentHints{HasMedia: true, URL: "http://localhost:3000/api/files/s1/abc.ogg?x=1"}, ContentAudio},
		{"media without clues", ContentHints{HasMedia: true}, ContentDocument},
		{"chat type with media is not text", ContentHints{DeclaredType: "chat", HasMedia: true, Mimetype: "image/png"}, ContentImage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectContentKind(tc.hints); got != tc.want {
				t.Fatalf("DetectContentKind(%+v) = %s, want %s", tc.hints, got, tc.want)
			}
		})
	}
}

func TestContentKindTable(t *testing.T) {
	if !ContentImage.Sendable() || ContentSticker.Sendable() || ContentLocation.Sendable() {
		t.Fatalf("unexpected sendable flags")
	}
	if ContentText.IsMedia() || ContentLocation.IsMedia() || !ContentAudio.IsMedia() {
		t.Fatalf("unexpected media flags")
	}
	if ContentVideo.DefaultMimetype() != "video/mp4" || ContentImage.DefaultFilename() != "image.jpg" {
		t.Fatalf("unexpected defaults")
	}
	if ContentImage.AcceptsMimetype("image/gif") {
		t.Fatalf("gif should not be accepted for outbound images")
	}
	if !ContentDocument.AcceptsMimetype("application/pdf") {
		t.Fatalf("pdf should be accepted for documents")
	}
	if kind, ok := ParseContentKind(" Image "); !ok || kind != ContentImage {
		t.Fatalf("ParseContentKind: got %s, %v", kind, ok)
	}
	if _, ok := ParseContentKind("hologram"); ok {
		t.Fatalf("unknown kind should not parse")
	}
}

func TestKindForMimetype(t *testing.T) {
	cases := map[string]ContentKind{
		"image/png":       ContentImage,
		"image/webp":      ContentDocument,
		"audio/ogg":       ContentAudio,
		"video/quicktime": ContentDocument,
		"":                ContentDocument,
	}
	for in, want := range cases {
		if got := KindForMimetype(in); got != want {
			t.Fatalf("KindForMimetype(%q) = %s, want %s", in, got, want)
		}
	}
}
