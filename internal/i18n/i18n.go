// Package i18n maps error codes to user notices in the reader's language.
package i18n

import (
	"golang.org/x/text/language"
)

// Error codes surfaced to users.
const (
	CodeInvalidCredential  = "auth/invalid-credential"
	CodeEmailInUse         = "auth/email-already-in-use"
	CodeNetworkFailed      = "auth/network-request-failed"
	CodeSubscriptionFailed = "sync/subscription-failed"
	CodeTranslateLimit     = "translate/limit-exceeded"
	CodeChatNotFound       = "chat/not-found"
	CodeSendFailed         = "chat/send-failed"
	CodeLoadFailed         = "chat/load-failed"
	CodeInvalidRequest     = "request/invalid"
	CodeUnauthorized       = "auth/unauthorized"
	CodeForbidden          = "chat/forbidden"
)

const generic = "generic"

var supported = []language.Tag{language.English, language.Spanish, language.Italian}

var matcher = language.NewMatcher(supported)

var catalog = map[language.Tag]map[string]string{
	language.English: {
		CodeInvalidCredential:  "Incorrect email or password.",
		CodeEmailInUse:         "An account with this email already exists.",
		CodeNetworkFailed:      "Network error. Check your connection and try again.",
		CodeSubscriptionFailed: "Could not load this list. Open it again to retry.",
		CodeTranslateLimit:     "Translation limit reached. Some messages are shown in their original language.",
		CodeChatNotFound:       "This chat no longer exists.",
		CodeSendFailed:         "Your message could not be sent.",
		CodeLoadFailed:         "Could not load messages.",
		CodeInvalidRequest:     "That request could not be understood.",
		CodeUnauthorized:       "Please sign in again.",
		CodeForbidden:          "You are not a member of this chat.",
		generic:                "Something went wrong. Please try again.",
	},
	language.Spanish: {
		CodeInvalidCredential:  "Correo o contraseña incorrectos.",
		CodeEmailInUse:         "Ya existe una cuenta con este correo.",
		CodeNetworkFailed:      "Error de red. Comprueba tu conexión e inténtalo de nuevo.",
		CodeSubscriptionFailed: "No se pudo cargar esta lista. Ábrela de nuevo para reintentar.",
		CodeTranslateLimit:     "Se alcanzó el límite de traducción. Algunos mensajes se muestran en su idioma original.",
		CodeChatNotFound:       "Este chat ya no existe.",
		CodeSendFailed:         "No se pudo enviar tu mensaje.",
		CodeLoadFailed:         "No se pudieron cargar los mensajes.",
		CodeInvalidRequest:     "No se pudo entender la solicitud.",
		CodeUnauthorized:       "Vuelve a iniciar sesión.",
		CodeForbidden:          "No eres miembro de este chat.",
		generic:                "Algo salió mal. Inténtalo de nuevo.",
	},
	language.Italian: {
		CodeInvalidCredential:  "Email o password non corretti.",
		CodeEmailInUse:         "Esiste già un account con questa email.",
		CodeNetworkFailed:      "Errore di rete. Controlla la connessione e riprova.",
		CodeSubscriptionFailed: "Impossibile caricare questo elenco. Riaprilo per riprovare.",
		CodeTranslateLimit:     "Limite di traduzione raggiunto. Alcuni messaggi sono mostrati nella lingua originale.",
		CodeChatNotFound:       "Questa chat non esiste più.",
		CodeSendFailed:         "Impossibile inviare il messaggio.",
		CodeLoadFailed:         "Impossibile caricare i messaggi.",
		CodeInvalidRequest:     "Richiesta non comprensibile.",
		CodeUnauthorized:       "Accedi di nuovo.",
		CodeForbidden:          "Non fai parte di questa chat.",
		generic:                "Qualcosa è andato storto. Riprova.",
	},
}

// Message returns the notice for code in the best matching supported language.
// Unknown codes fall back to a generic message.
func Message(lang, code string) string {
	tag := match(lang)
	msgs := catalog[tag]
	if text, ok := msgs[code]; ok {
		return text
	}
	return msgs[generic]
}

// Known reports whether code has a dedicated message.
func Known(code string) bool {
	_, ok := catalog[language.English][code]
	return ok && code != generic
}

func match(lang string) language.Tag {
	_, idx, _ := matcher.Match(language.Make(lang))
	return supported[idx]
}
