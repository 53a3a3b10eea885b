package utils

// Minimal server-side i18n for fixed message framing. Question text itself
// is generated per-language by the oracle; only the link line and the
// anti-fraud disclaimer are fixed copy.

var translations = map[string]map[string]string{
	"en": {
		"health.ok":            "ok",
		"followup.answer_link": "Click here to answer:",
		"followup.disclaimer":  "Security reminder: we never ask for payment or passwords. Do not share this link.",
	},
	"es": {
		"followup.answer_link": "Haga clic aquí para responder:",
		"followup.disclaimer":  "Recordatorio de seguridad: nunca pedimos pagos ni contraseñas. No comparta este enlace.",
	},
	"fr": {
		"followup.answer_link": "Cliquez ici pour répondre :",
		"followup.disclaimer":  "Rappel de sécurité : nous ne demandons jamais de paiement ni de mot de passe. Ne partagez pas ce lien.",
	},
	"pt": {
		"followup.answer_link": "Clique aqui para responder:",
		"followup.disclaimer":  "Lembrete de segurança: nunca pedimos pagamento ou senhas. Não compartilhe este link.",
	},
	"de": {
		"followup.answer_link": "Hier klicken, um zu antworten:",
		"followup.disclaimer":  "Sicherheitshinweis: Wir fragen nie nach Zahlungen oder Passwörtern. Teilen Sie diesen Link nicht.",
	},
	"zh": {
		"health.ok":            "好的",
		"followup.answer_link": "点击此处回答：",
		"followup.disclaimer":  "安全提醒：我们绝不会索要付款或密码。请勿分享此链接。",
	},
}

// T returns the translated string for key in locale; falls back to English.
func T(locale, key string) string {
	if m, ok := translations[locale]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if m, ok := translations["en"]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return key
}
