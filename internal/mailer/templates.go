package mailer

import "fmt"

// WelcomeSubject is inspected by the job executor to derive welcome-email
// bookkeeping, so every welcome template must keep "Welcome" in the subject.
const WelcomeSubject = "Welcome to CoreID"

const VerifySubject = "Verify your CoreID email"

func WelcomeText(name, pin string) string {
	return fmt.Sprintf("Hi %s,\n\nYour professional identity number is %s. Keep it safe; businesses use it to verify you.\n", name, pin)
}

func WelcomeHTML(name, pin string) string {
	return fmt.Sprintf(`
		<h2>Welcome to CoreID</h2>
		<p>Hi %s,</p>
		<p>Your professional identity number is <strong>%s</strong>.</p>
		<p>Businesses use this number to verify your identity.</p>
	`, name, pin)
}

func VerifyText(name, verifyURL string) string {
	return fmt.Sprintf("Hi %s,\n\nPlease verify your email address: %s\n", name, verifyURL)
}

func VerifyHTML(name, verifyURL string) string {
	return fmt.Sprintf(`
		<h2>Verify your email</h2>
		<p>Hi %s,</p>
		<p><a href="%s">Click here to verify your email address.</a></p>
		<p>If you didn't sign up for CoreID, ignore this email.</p>
	`, name, verifyURL)
}
