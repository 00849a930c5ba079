package governance

import (
	"fmt"
	"strings"
)

// Lang is a supported message language
type Lang string

const (
	LangUz Lang = "uz"
	LangRu Lang = "ru"
	LangEn Lang = "en"
)

// DefaultLang is used when a request does not state a supported language
const DefaultLang = LangUz

type catalogue struct {
	featureNotAvailable  string
	quotaExceeded        string
	noActiveSubscription string
	alreadyConnected     string
	alreadyConnectedTo   string
	trialAbuse           string
	rateLimited          string
}

var messages = map[Lang]catalogue{
	LangUz: {
		featureNotAvailable:  "%s funksiyasi joriy tarifingizda mavjud emas",
		quotaExceeded:        "%s limiti tugadi (%d/%d). Tarifni yangilang",
		noActiveSubscription: "Faol obuna topilmadi. Iltimos, tarif tanlang",
		alreadyConnected:     "%s akkaunti boshqa biznesga ulangan",
		alreadyConnectedTo:   "%s akkaunti %q biznesiga ulangan",
		trialAbuse:           "%s akkaunti sinov muddatida allaqachon ishlatilgan. Pullik tarifga o'ting",
		rateLimited:          "So'rovlar juda ko'p. %d soniyadan keyin qayta urinib ko'ring",
	},
	LangRu: {
		featureNotAvailable:  "Функция %s недоступна на вашем тарифе",
		quotaExceeded:        "Лимит %s исчерпан (%d/%d). Обновите тариф",
		noActiveSubscription: "Активная подписка не найдена. Выберите тариф",
		alreadyConnected:     "Аккаунт %s подключен к другому бизнесу",
		alreadyConnectedTo:   "Аккаунт %s подключен к бизнесу %q",
		trialAbuse:           "Аккаунт %s уже использовался в пробном периоде. Перейдите на платный тариф",
		rateLimited:          "Слишком много запросов. Повторите через %d с",
	},
	LangEn: {
		featureNotAvailable:  "The %s feature is not available on your plan",
		quotaExceeded:        "The %s limit has been reached (%d/%d). Upgrade your plan",
		noActiveSubscription: "No active subscription found. Please choose a plan",
		alreadyConnected:     "Account %s is connected to another business",
		alreadyConnectedTo:   "Account %s is connected to business %q",
		trialAbuse:           "Account %s was already used during a trial. Switch to a paid plan",
		rateLimited:          "Too many requests. Retry in %d seconds",
	},
}

// ParseLang maps an Accept-Language style value to a supported language
func ParseLang(v string) Lang {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, part := range strings.Split(v, ",") {
		tag := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch {
		case strings.HasPrefix(tag, "uz"):
			return LangUz
		case strings.HasPrefix(tag, "ru"):
			return LangRu
		case strings.HasPrefix(tag, "en"):
			return LangEn
		}
	}
	return DefaultLang
}

// Message renders a human readable message for a governance error.
// Non-governance errors render as their Error() text.
func Message(err error, lang Lang) string {
	c, ok := messages[lang]
	if !ok {
		c = messages[DefaultLang]
	}

	gerr, ok := AsError(err)
	if !ok {
		if err == nil {
			return ""
		}
		return err.Error()
	}

	switch e := gerr.(type) {
	case *FeatureNotAvailableError:
		return fmt.Sprintf(c.featureNotAvailable, labelOr(e.FeatureLabel, e.FeatureKey))
	case *QuotaExceededError:
		return fmt.Sprintf(c.quotaExceeded, labelOr(e.LimitLabel, e.LimitKey), e.CurrentUsage, e.Limit)
	case *NoActiveSubscriptionError:
		return c.noActiveSubscription
	case *IntegrationAbuseError:
		if e.AbuseType == AbuseTrial {
			return fmt.Sprintf(c.trialAbuse, e.AccountIdentifier)
		}
		if e.PreviousBusinessName != "" {
			return fmt.Sprintf(c.alreadyConnectedTo, e.AccountIdentifier, e.PreviousBusinessName)
		}
		return fmt.Sprintf(c.alreadyConnected, e.AccountIdentifier)
	case *RateLimitedError:
		return fmt.Sprintf(c.rateLimited, e.RetryAfterSeconds)
	}
	return gerr.Error()
}

func labelOr(label, key string) string {
	if label != "" {
		return label
	}
	return key
}
