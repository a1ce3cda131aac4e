package validator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type registrationPayload struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	OTP      string `json:"otp" validate:"omitempty,len=6,numeric"`
}

func TestValidateStructPasses(t *testing.T) {
	err := ValidateStruct(&registrationPayload{
		Email:    "a@x.com",
		Password: "P@ssw0rd1",
		OTP:      "123456",
	})
	require.NoError(t, err)
}

func TestValidateStructReportsJSONFieldNames(t *testing.T) {
	err := ValidateStruct(&registrationPayload{Email: "not-an-email", Password: "short"})
	require.Error(t, err)

	failures, ok := err.(ValidationErrors)
	require.True(t, ok)

	fields := make(map[string]string, len(failures))
	for _, f := range failures {
		fields[f.Field] = f.Tag
	}

	require.Equal(t, "email", fields["email"])
	require.Equal(t, "min", fields["password"])
}

func TestValidateStructRejectsMalformedOTP(t *testing.T) {
	err := ValidateStruct(&registrationPayload{
		Email:    "a@x.com",
		Password: "P@ssw0rd1",
		OTP:      "12ab56",
	})
	require.Error(t, err)
}
