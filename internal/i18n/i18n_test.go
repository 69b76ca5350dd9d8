package i18n_test

import (
	"testing"

	"lingochat/internal/i18n"
)

func TestMessageLocalizes(t *testing.T) {
	tests := []struct {
		lang, code, want string
	}{
		{"en", i18n.CodeInvalidCredential, "Incorrect email or password."},
		{"es-MX", i18n.CodeChatNotFound, "Este chat ya no existe."},
		{"it", i18n.CodeEmailInUse, "Esiste già un account con questa email."},
		{"de", i18n.CodeChatNotFound, "This chat no longer exists."},
		{"", i18n.CodeChatNotFound, "This chat no longer exists."},
		{"es", "storage/unknown", "Algo salió mal. Inténtalo de nuevo."},
	}
	for _, tt := range tests {
		if got := i18n.Message(tt.lang, tt.code); got != tt.want {
			t.Errorf("Message(%q, %q) = %q, want %q", tt.lang, tt.code, got, tt.want)
		}
	}
}

func TestKnown(t *testing.T) {
	if !i18n.Known(i18n.CodeTranslateLimit) {
		t.Fatal("translate limit should be known")
	}
	if i18n.Known("generic") || i18n.Known("nope") {
		t.Fatal("unexpected known code")
	}
}
