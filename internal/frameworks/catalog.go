package frameworks

import "github.com/xkilldash9x/compliance-swarm/api/schemas"

func init() {
	register(soc2)
	register(gdpr)
	register(iso27001)
	register(hipaa)
}

var soc2 = &Framework{
	Name:  "SOC2",
	Title: "SOC 2 Trust Services Criteria",
	RequiredCategories: [][]schemas.SourceCategory{
		{schemas.CategoryCode, schemas.CategoryCloud},
	},
	Requirements: []Requirement{
		{"CC1.1", "Integrity and Ethical Values", "Control Environment",
			"The entity demonstrates a commitment to integrity and ethical values, including a code of conduct acknowledged by personnel."},
		{"CC2.1", "Quality Information", "Communication and Information",
			"The entity obtains or generates and uses relevant, quality information to support the functioning of internal control."},
		{"CC3.1", "Risk Assessment Objectives", "Risk Assessment",
			"The entity specifies objectives with sufficient clarity to enable the identification and assessment of risks."},
		{"CC5.2", "Technology General Controls", "Control Activities",
			"The entity selects and develops general control activities over technology to support the achievement of objectives."},
		{"CC6.1", "Logical Access Security", "Logical and Physical Access",
			"The entity implements logical access security software, infrastructure and architectures over protected information assets, including authentication and encryption of data at rest."},
		{"CC6.2", "User Registration and Authorization", "Logical and Physical Access",
			"Prior to issuing system credentials and granting access, the entity registers and authorizes new users whose access is administered by the entity."},
		{"CC6.3", "Role-Based Access and Removal", "Logical and Physical Access",
			"The entity authorizes, modifies or removes access based on roles and least privilege, and reviews access periodically."},
		{"CC6.6", "Boundary Protection", "Logical and Physical Access",
			"The entity implements logical access security measures to protect against threats from sources outside its system boundaries."},
		{"CC6.7", "Transmission Security", "Logical and Physical Access",
			"The entity restricts the transmission and movement of information and protects it during transmission using encryption."},
		{"CC6.8", "Malicious Software Prevention", "Logical and Physical Access",
			"The entity implements controls to prevent or detect and act upon the introduction of unauthorized or malicious software."},
		{"CC7.1", "Vulnerability and Configuration Monitoring", "System Operations",
			"The entity uses detection and monitoring procedures to identify configuration changes that introduce vulnerabilities and susceptibilities to newly discovered vulnerabilities."},
		{"CC7.2", "Anomaly Monitoring", "System Operations",
			"The entity monitors system components for anomalies indicative of malicious acts, natural disasters and errors, and analyzes them to determine whether they are security events."},
		{"CC7.3", "Security Event Evaluation", "System Operations",
			"The entity evaluates security events to determine whether they could or have resulted in a failure to meet objectives."},
		{"CC7.4", "Incident Response", "System Operations",
			"The entity responds to identified security incidents by executing a defined incident response program to understand, contain, remediate and communicate them."},
		{"CC8.1", "Change Management", "Change Management",
			"The entity authorizes, designs, develops, configures, documents, tests, approves and implements changes to infrastructure, data, software and procedures, including peer review before deployment."},
		{"CC9.2", "Vendor Risk Management", "Risk Mitigation",
			"The entity assesses and manages risks associated with vendors and business partners."},
		{"A1.2", "Backup and Recovery", "Availability",
			"The entity authorizes, designs, implements and monitors environmental protections, software, data backup processes and recovery infrastructure."},
	},
}

var gdpr = &Framework{
	Name:  "GDPR",
	Title: "EU General Data Protection Regulation",
	RequiredCategories: [][]schemas.SourceCategory{
		{schemas.CategoryCode, schemas.CategoryCloud, schemas.CategoryDocumentation},
	},
	Requirements: []Requirement{
		{"Art.5", "Principles Relating to Processing", "Principles",
			"Personal data shall be processed lawfully, fairly and transparently, collected for specified purposes, minimised, accurate, retained no longer than necessary and kept secure."},
		{"Art.25", "Data Protection by Design and by Default", "Controller Obligations",
			"The controller shall implement appropriate technical and organisational measures, such as pseudonymisation, designed to implement data protection principles effectively."},
		{"Art.28", "Processor Obligations", "Controller Obligations",
			"Processing by a processor shall be governed by a contract, and only processors providing sufficient guarantees of appropriate measures shall be used."},
		{"Art.30", "Records of Processing Activities", "Controller Obligations",
			"Each controller shall maintain a record of processing activities under its responsibility, including purposes, categories of data and retention periods."},
		{"Art.32", "Security of Processing", "Security",
			"The controller and processor shall implement measures to ensure a level of security appropriate to the risk, including encryption, confidentiality, availability, resilience and regular testing."},
		{"Art.33", "Notification of a Personal Data Breach", "Breach Notification",
			"In the case of a personal data breach, the controller shall notify the supervisory authority without undue delay and, where feasible, not later than 72 hours after becoming aware of it."},
		{"Art.35", "Data Protection Impact Assessment", "Controller Obligations",
			"Where processing is likely to result in a high risk to the rights and freedoms of natural persons, the controller shall carry out an assessment of the impact before processing."},
	},
}

var iso27001 = &Framework{
	Name:  "ISO27001",
	Title: "ISO/IEC 27001:2022 Annex A",
	RequiredCategories: [][]schemas.SourceCategory{
		{schemas.CategoryCode, schemas.CategoryCloud},
	},
	Requirements: []Requirement{
		{"A.5.15", "Access Control", "Organizational Controls",
			"Rules to control physical and logical access to information and assets shall be established and implemented based on business and security requirements."},
		{"A.5.17", "Authentication Information", "Organizational Controls",
			"Allocation and management of authentication information shall be controlled by a management process."},
		{"A.5.24", "Incident Management Planning", "Organizational Controls",
			"The organization shall plan and prepare for managing information security incidents by defining processes, roles and responsibilities."},
		{"A.8.2", "Privileged Access Rights", "Technological Controls",
			"The allocation and use of privileged access rights shall be restricted and managed."},
		{"A.8.5", "Secure Authentication", "Technological Controls",
			"Secure authentication technologies and procedures shall be implemented based on access restrictions, including multi-factor authentication."},
		{"A.8.8", "Management of Technical Vulnerabilities", "Technological Controls",
			"Information about technical vulnerabilities shall be obtained, exposure evaluated and appropriate measures taken."},
		{"A.8.9", "Configuration Management", "Technological Controls",
			"Configurations, including security configurations, of hardware, software, services and networks shall be established, documented, implemented, monitored and reviewed."},
		{"A.8.13", "Information Backup", "Technological Controls",
			"Backup copies of information, software and systems shall be maintained and regularly tested."},
		{"A.8.15", "Logging", "Technological Controls",
			"Logs that record activities, exceptions, faults and other relevant events shall be produced, stored, protected and analysed."},
		{"A.8.16", "Monitoring Activities", "Technological Controls",
			"Networks, systems and applications shall be monitored for anomalous behaviour and appropriate actions taken."},
		{"A.8.24", "Use of Cryptography", "Technological Controls",
			"Rules for the effective use of cryptography, including cryptographic key management, shall be defined and implemented."},
		{"A.8.25", "Secure Development Life Cycle", "Technological Controls",
			"Rules for the secure development of software and systems shall be established and applied."},
		{"A.8.32", "Change Management", "Technological Controls",
			"Changes to information processing facilities and information systems shall be subject to change management procedures."},
	},
}

var hipaa = &Framework{
	Name:  "HIPAA",
	Title: "HIPAA Security Rule",
	RequiredCategories: [][]schemas.SourceCategory{
		{schemas.CategoryCloud, schemas.CategoryCode},
	},
	Requirements: []Requirement{
		{"164.308(a)(1)", "Security Management Process", "Administrative Safeguards",
			"Implement policies and procedures to prevent, detect, contain and correct security violations, including risk analysis and risk management."},
		{"164.308(a)(3)", "Workforce Security", "Administrative Safeguards",
			"Implement policies and procedures to ensure that all members of the workforce have appropriate access to electronic protected health information and to prevent others from obtaining access."},
		{"164.308(a)(4)", "Information Access Management", "Administrative Safeguards",
			"Implement policies and procedures for authorizing access to electronic protected health information."},
		{"164.308(a)(5)", "Security Awareness and Training", "Administrative Safeguards",
			"Implement a security awareness and training program for all members of the workforce, including management."},
		{"164.308(a)(6)", "Security Incident Procedures", "Administrative Safeguards",
			"Implement policies and procedures to address security incidents, including identification, response, mitigation and documentation."},
		{"164.308(a)(7)", "Contingency Plan", "Administrative Safeguards",
			"Establish policies and procedures for responding to an emergency, including data backup, disaster recovery and emergency mode operation plans."},
		{"164.312(a)(1)", "Access Control", "Technical Safeguards",
			"Implement technical policies and procedures for systems that maintain electronic protected health information to allow access only to authorized persons, including unique user identification and encryption."},
		{"164.312(b)", "Audit Controls", "Technical Safeguards",
			"Implement hardware, software and procedural mechanisms that record and examine activity in information systems containing electronic protected health information."},
		{"164.312(c)(1)", "Integrity", "Technical Safeguards",
			"Implement policies and procedures to protect electronic protected health information from improper alteration or destruction."},
		{"164.312(d)", "Person or Entity Authentication", "Technical Safeguards",
			"Implement procedures to verify that a person or entity seeking access to electronic protected health information is the one claimed."},
		{"164.312(e)(1)", "Transmission Security", "Technical Safeguards",
			"Implement technical security measures to guard against unauthorized access to electronic protected health information transmitted over a network."},
	},
}
